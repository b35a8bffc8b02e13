package oracle

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"pricewager/crypto"
)

var (
	ErrFeedNotFound       = errors.New("oracle: feed not found")
	ErrStalePrice         = errors.New("oracle: price older than allowed age")
	ErrUntrustedPublisher = errors.New("oracle: update signed by untrusted publisher")
	ErrMalformedUpdate    = errors.New("oracle: malformed update")
)

const updateDomain = "pricewager-oracle-v1"

// Update is a signed price observation for a single feed. Updates travel as
// JSON blobs so they can be relayed unchanged by any transport.
type Update struct {
	FeedID      string `json:"feedId"`
	Price       int64  `json:"price"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publishTime"`
	Signature   string `json:"signature"`
}

// ParseFeedID decodes a 32-byte feed identifier from hex, with or without the
// 0x prefix.
func ParseFeedID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("oracle: invalid feed id: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("oracle: feed id must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// FormatFeedID renders a feed identifier as 0x-prefixed hex.
func FormatFeedID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// Feed returns the decoded feed identifier.
func (u Update) Feed() ([32]byte, error) {
	return ParseFeedID(u.FeedID)
}

// Digest returns the keccak256 hash publishers sign.
func (u Update) Digest() ([]byte, error) {
	feed, err := u.Feed()
	if err != nil {
		return nil, err
	}
	payload := fmt.Sprintf("%s|feed=%s|price=%d|expo=%d|ts=%d",
		updateDomain,
		hex.EncodeToString(feed[:]),
		u.Price,
		u.Expo,
		u.PublishTime,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// Publisher recovers the address that signed the update.
func (u Update) Publisher() ([20]byte, error) {
	var out [20]byte
	digest, err := u.Digest()
	if err != nil {
		return out, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(u.Signature, "0x"))
	if err != nil {
		return out, fmt.Errorf("%w: signature encoding: %v", ErrMalformedUpdate, err)
	}
	if len(sig) != 65 {
		return out, fmt.Errorf("%w: signature must be 65 bytes", ErrMalformedUpdate)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return out, fmt.Errorf("%w: recover publisher: %v", ErrMalformedUpdate, err)
	}
	copy(out[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}

// Encode serialises the update into the blob format accepted by Feed.
func Encode(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// Decode parses a blob produced by Encode.
func Decode(blob []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(blob, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if _, err := u.Feed(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return u, nil
}

// Signer produces updates attested by a publisher key.
type Signer struct {
	key *crypto.PrivateKey
}

// NewSigner wraps key.
func NewSigner(key *crypto.PrivateKey) (*Signer, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("oracle: signer key required")
	}
	return &Signer{key: key}, nil
}

// Address returns the publisher address of the signer.
func (s *Signer) Address() [20]byte {
	return s.key.PubKey().Address().Array()
}

// Sign builds and signs an update.
func (s *Signer) Sign(feed [32]byte, price int64, expo int32, publishTime int64) (Update, error) {
	u := Update{
		FeedID:      FormatFeedID(feed),
		Price:       price,
		Expo:        expo,
		PublishTime: publishTime,
	}
	digest, err := u.Digest()
	if err != nil {
		return Update{}, err
	}
	sig, err := ethcrypto.Sign(digest, s.key.PrivateKey)
	if err != nil {
		return Update{}, fmt.Errorf("oracle: sign update: %w", err)
	}
	u.Signature = "0x" + hex.EncodeToString(sig)
	return u, nil
}

// SignBlob signs and encodes an update in one step.
func (s *Signer) SignBlob(feed [32]byte, price int64, expo int32, publishTime int64) ([]byte, error) {
	u, err := s.Sign(feed, price, expo, publishTime)
	if err != nil {
		return nil, err
	}
	return Encode(u)
}
