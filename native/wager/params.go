package wager

import (
	"fmt"
	"math/big"
)

const (
	DefaultMinDuration     int64 = 5 * 60
	DefaultMaxDuration     int64 = 365 * 24 * 60 * 60
	DefaultMinJoinDuration int64 = 60
	DefaultMaxJoinDuration int64 = 7 * 24 * 60 * 60
	DefaultMaxPriceAge     int64 = 60
)

// DefaultMinStake is 0.001 units of an 18-decimal settlement asset.
var DefaultMinStake = big.NewInt(1_000_000_000_000_000)

// Params bounds the monetary and temporal inputs accepted by the engine. All
// durations are expressed in seconds.
type Params struct {
	MinStake        *big.Int
	MinDuration     int64
	MaxDuration     int64
	MinJoinDuration int64
	MaxJoinDuration int64
	MaxPriceAge     int64
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		MinStake:        new(big.Int).Set(DefaultMinStake),
		MinDuration:     DefaultMinDuration,
		MaxDuration:     DefaultMaxDuration,
		MinJoinDuration: DefaultMinJoinDuration,
		MaxJoinDuration: DefaultMaxJoinDuration,
		MaxPriceAge:     DefaultMaxPriceAge,
	}
}

// Clone returns a deep copy of the params.
func (p Params) Clone() Params {
	out := p
	out.MinStake = cloneBigInt(p.MinStake)
	return out
}

// Validate ensures the bounds are internally consistent.
func (p Params) Validate() error {
	if p.MinStake == nil || p.MinStake.Sign() <= 0 {
		return fmt.Errorf("wager params: min stake must be positive")
	}
	if p.MinDuration <= 0 || p.MinDuration > p.MaxDuration {
		return fmt.Errorf("wager params: invalid duration bounds [%d, %d]", p.MinDuration, p.MaxDuration)
	}
	if p.MinJoinDuration <= 0 || p.MinJoinDuration > p.MaxJoinDuration {
		return fmt.Errorf("wager params: invalid join duration bounds [%d, %d]", p.MinJoinDuration, p.MaxJoinDuration)
	}
	if p.MinJoinDuration > p.MaxDuration {
		return fmt.Errorf("wager params: min join duration exceeds max duration")
	}
	if p.MaxPriceAge <= 0 {
		return fmt.Errorf("wager params: max price age must be positive")
	}
	return nil
}

func (p Params) checkDurations(duration, joinDuration int64) error {
	if duration < p.MinDuration || duration > p.MaxDuration {
		return fmt.Errorf("%w: duration %ds not within [%d, %d]", ErrDurationOutOfRange, duration, p.MinDuration, p.MaxDuration)
	}
	if joinDuration < p.MinJoinDuration || joinDuration > p.MaxJoinDuration {
		return fmt.Errorf("%w: join duration %ds not within [%d, %d]", ErrDurationOutOfRange, joinDuration, p.MinJoinDuration, p.MaxJoinDuration)
	}
	if joinDuration > duration {
		return fmt.Errorf("%w: join duration exceeds duration", ErrDurationOutOfRange)
	}
	return nil
}
