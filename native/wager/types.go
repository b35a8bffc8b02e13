package wager

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a bet. Only the transitions
// Open→Matched, Matched→Resolved and Open→Cancelled exist.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusMatched
	StatusResolved
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusMatched, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusMatched:
		return "matched"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus converts the textual representation back into a Status.
func ParseStatus(value string) (Status, error) {
	for _, s := range []Status{StatusOpen, StatusMatched, StatusResolved, StatusCancelled} {
		if s.String() == value {
			return s, nil
		}
	}
	return 0, fmt.Errorf("wager: unknown status %q", value)
}

// Bet captures a two-party price wager. The creator takes the side that the
// feed price will reach or exceed TargetPrice by Deadline; the joiner takes the
// opposite side. TargetPrice is stored in the oracle's fixed-point format with
// the exponent that was active at creation.
type Bet struct {
	ID           [32]byte
	Creator      [20]byte
	Joiner       [20]byte
	Stake        *big.Int
	FeedID       [32]byte
	TargetPrice  *uint256.Int
	PriceExpo    int32
	StartPrice   int64
	OracleFee    *big.Int
	Label        string
	LabelHash    [32]byte
	CreatedAt    int64
	Deadline     int64
	JoinDeadline int64
	Status       Status
	Winner       [20]byte
	FinalPrice   int64
	ResolvedAt   int64
}

// Clone returns a deep copy of the bet so callers can safely mutate the copy
// without affecting the stored instance.
func (b *Bet) Clone() *Bet {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Stake = cloneBigInt(b.Stake)
	clone.OracleFee = cloneBigInt(b.OracleFee)
	if b.TargetPrice != nil {
		clone.TargetPrice = new(uint256.Int).Set(b.TargetPrice)
	} else {
		clone.TargetPrice = new(uint256.Int)
	}
	return &clone
}

// Pot returns the total amount escrowed by both sides.
func (b *Bet) Pot() *big.Int {
	if b == nil || b.Stake == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(b.Stake, big.NewInt(2))
}

// Loser returns the party that did not win. It is only meaningful once the
// bet is resolved.
func (b *Bet) Loser() [20]byte {
	if b == nil || b.Status != StatusResolved {
		return [20]byte{}
	}
	if b.Winner == b.Creator {
		return b.Joiner
	}
	return b.Creator
}

func (b *Bet) match(joiner [20]byte) error {
	if b.Status != StatusOpen {
		return fmt.Errorf("%w: cannot match bet in status %s", ErrAlreadyMatched, b.Status)
	}
	b.Joiner = joiner
	b.Status = StatusMatched
	return nil
}

func (b *Bet) resolve(winner [20]byte, finalPrice, now int64) error {
	if b.Status != StatusMatched {
		return fmt.Errorf("%w: cannot resolve bet in status %s", ErrNotYetMatched, b.Status)
	}
	b.Status = StatusResolved
	b.Winner = winner
	b.FinalPrice = finalPrice
	b.ResolvedAt = now
	return nil
}

func (b *Bet) cancel() error {
	if b.Status != StatusOpen {
		return fmt.Errorf("%w: cannot cancel bet in status %s", ErrAlreadyMatched, b.Status)
	}
	b.Status = StatusCancelled
	return nil
}

// SanitizeBet validates the structural invariants of a bet and returns a
// clone with non-nil numeric fields. The original value is not mutated.
func SanitizeBet(b *Bet) (*Bet, error) {
	if b == nil {
		return nil, fmt.Errorf("wager: nil bet")
	}
	clone := b.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("wager: invalid status %d", clone.Status)
	}
	if clone.Stake.Sign() <= 0 {
		return nil, fmt.Errorf("wager: stake must be positive")
	}
	if clone.OracleFee.Sign() < 0 {
		return nil, fmt.Errorf("wager: oracle fee must be non-negative")
	}
	if clone.JoinDeadline > clone.Deadline {
		return nil, fmt.Errorf("wager: join deadline after deadline")
	}
	if clone.Creator == ([20]byte{}) {
		return nil, fmt.Errorf("wager: creator required")
	}
	switch clone.Status {
	case StatusOpen, StatusCancelled:
		if clone.Joiner != ([20]byte{}) && clone.Status == StatusOpen {
			return nil, fmt.Errorf("wager: open bet must not have a joiner")
		}
	case StatusMatched:
		if clone.Joiner == ([20]byte{}) {
			return nil, fmt.Errorf("wager: matched bet requires a joiner")
		}
	case StatusResolved:
		if clone.Winner != clone.Creator && clone.Winner != clone.Joiner {
			return nil, fmt.Errorf("wager: winner must be a party to the bet")
		}
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
