package wager

import (
	"encoding/binary"
	"sync/atomic"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// EntropySource supplies the per-call salt mixed into bet identifiers. Values
// must be unpredictable to the caller and unique per call.
type EntropySource interface {
	Salt() [32]byte
}

// EntropyFunc adapts a function into an EntropySource.
type EntropyFunc func() [32]byte

// Salt implements EntropySource.
func (f EntropyFunc) Salt() [32]byte { return f() }

type randomEntropy struct {
	seq atomic.Uint64
}

// NewRandomEntropy returns the default entropy source: blake3 over a random
// UUID and a process-local sequence number.
func NewRandomEntropy() EntropySource {
	return &randomEntropy{}
}

func (r *randomEntropy) Salt() [32]byte {
	id := uuid.New()
	var buf [24]byte
	copy(buf[:16], id[:])
	binary.BigEndian.PutUint64(buf[16:], r.seq.Add(1))
	return blake3.Sum256(buf[:])
}

// DeriveID computes the bet identifier from its creation inputs.
func DeriveID(creator [20]byte, feedID [32]byte, target *uint256.Int, createdAt int64, salt [32]byte) [32]byte {
	var targetBytes [32]byte
	if target != nil {
		targetBytes = target.Bytes32()
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(creator[:], feedID[:], targetBytes[:], ts[:], salt[:])
}
