package wager

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// MinPriceExpo and MaxPriceExpo bound the decimal exponents accepted from
	// the oracle: between two and eighteen fractional digits.
	MinPriceExpo int32 = -18
	MaxPriceExpo int32 = -2

	// MaxUSDPrice is the largest whole-dollar target accepted. Scaling it by
	// 10^18 stays far below 2^256.
	MaxUSDPrice uint64 = 1_000_000_000_000_000_000
)

var pow10 [19]*uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10[0] = uint256.NewInt(1)
	for i := 1; i < len(pow10); i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

func expoScale(expo int32) (*uint256.Int, error) {
	if expo < MinPriceExpo || expo > MaxPriceExpo {
		return nil, fmt.Errorf("%w: exponent %d outside [%d, %d]", ErrPriceFormat, expo, MinPriceExpo, MaxPriceExpo)
	}
	return pow10[-expo], nil
}

// ToOracleFormat converts a whole-dollar price into the oracle's fixed-point
// representation for the supplied exponent.
func ToOracleFormat(usd uint64, expo int32) (*uint256.Int, error) {
	if usd == 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrPriceFormat)
	}
	if usd > MaxUSDPrice {
		return nil, fmt.Errorf("%w: price %d exceeds ceiling %d", ErrPriceFormat, usd, MaxUSDPrice)
	}
	scale, err := expoScale(expo)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(usd), scale)
	if overflow {
		return nil, fmt.Errorf("%w: price overflow", ErrPriceFormat)
	}
	return out, nil
}

// ToDisplayFormat converts a fixed-point price back into whole dollars,
// truncating any fractional part.
func ToDisplayFormat(price *uint256.Int, expo int32) (uint64, error) {
	if price == nil {
		return 0, fmt.Errorf("%w: nil price", ErrPriceFormat)
	}
	scale, err := expoScale(expo)
	if err != nil {
		return 0, err
	}
	out := new(uint256.Int).Div(price, scale)
	if !out.IsUint64() {
		return 0, fmt.Errorf("%w: display price overflows uint64", ErrPriceFormat)
	}
	return out.Uint64(), nil
}

// FromOraclePrice lifts a raw oracle price into the fixed-point domain. A
// non-positive price is reported as an oracle malfunction.
func FromOraclePrice(price int64) (*uint256.Int, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: non-positive oracle price %d", ErrPriceUnavailable, price)
	}
	return uint256.NewInt(uint64(price)), nil
}

// CreatorWins reports whether final reaches or exceeds target. Ties favour
// the creator.
func CreatorWins(final, target *uint256.Int) bool {
	if final == nil || target == nil {
		return false
	}
	return final.Cmp(target) >= 0
}
