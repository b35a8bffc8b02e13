package wager

import (
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

// MaxLabelLength bounds trophy labels in bytes after normalisation.
const MaxLabelLength = 32

// NormalizeLabel canonicalises a trophy label. Labels are NFKC-normalised,
// lowercased and restricted to [a-z0-9-] without leading or trailing hyphens.
func NormalizeLabel(label string) (string, error) {
	trimmed := strings.TrimSpace(norm.NFKC.String(label))
	normalized := strings.ToLower(trimmed)
	if normalized == "" {
		return "", fmt.Errorf("%w: label required", ErrLabelInvalid)
	}
	if len(normalized) > MaxLabelLength {
		return "", fmt.Errorf("%w: label exceeds %d characters", ErrLabelInvalid, MaxLabelLength)
	}
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return "", fmt.Errorf("%w: unsupported character %q", ErrLabelInvalid, r)
		}
	}
	if strings.HasPrefix(normalized, "-") || strings.HasSuffix(normalized, "-") {
		return "", fmt.Errorf("%w: label must not start or end with a hyphen", ErrLabelInvalid)
	}
	return normalized, nil
}

// LabelHash returns the canonical hash used as the reservation key. The label
// must already be normalised.
func LabelHash(label string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(label))
}

type reservationState interface {
	TrophyReserved(hash [32]byte) (bool, error)
	SetTrophyReserved(hash [32]byte, reserved bool) error
}

// ReservationTable tracks which trophy labels are bound to a live or resolved
// bet.
type ReservationTable struct {
	st reservationState
}

// NewReservationTable wraps the provided state.
func NewReservationTable(st reservationState) *ReservationTable {
	return &ReservationTable{st: st}
}

// Reserve marks the label hash as in use.
func (t *ReservationTable) Reserve(hash [32]byte) error {
	reserved, err := t.st.TrophyReserved(hash)
	if err != nil {
		return err
	}
	if reserved {
		return ErrLabelTaken
	}
	return t.st.SetTrophyReserved(hash, true)
}

// Release frees the label hash. Releasing an unreserved label is a no-op.
func (t *ReservationTable) Release(hash [32]byte) error {
	reserved, err := t.st.TrophyReserved(hash)
	if err != nil {
		return err
	}
	if !reserved {
		return nil
	}
	return t.st.SetTrophyReserved(hash, false)
}

// Reserved reports whether the label hash is currently held.
func (t *ReservationTable) Reserved(hash [32]byte) (bool, error) {
	return t.st.TrophyReserved(hash)
}
