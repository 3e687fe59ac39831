package chain

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gerlofvanek/basicswap/pkg/helpers"
)

// Rounding selects the direction used when converting a decimal amount to
// integer units. Swap math must be reproducible by both parties, so the
// direction is always chosen explicitly by the caller.
type Rounding int

const (
	RoundOff Rounding = iota // reject any sub-unit remainder
	RoundDown
	RoundUp
	RoundNearest
)

// RateDecimals is the fixed-point precision of offer rates.
const RateDecimals = 8

// MakeInt converts a decimal amount string to the coin's smallest units.
func (p *Params) MakeInt(amount string, rounding Rounding) (uint64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %v", amount, err)
	}
	return p.MakeIntFromDecimal(d, rounding)
}

// MakeIntFromDecimal converts a decimal amount to the coin's smallest units.
func (p *Params) MakeIntFromDecimal(d decimal.Decimal, rounding Rounding) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount: %s", d)
	}

	scaled := d.Shift(int32(p.Decimals))
	var out decimal.Decimal
	switch rounding {
	case RoundOff:
		out = scaled.Truncate(0)
		if !out.Equal(scaled) {
			return 0, fmt.Errorf("%w: %s %s", ErrInexactAmount, d, p.Coin)
		}
	case RoundDown:
		out = scaled.Floor()
	case RoundUp:
		out = scaled.Ceil()
	case RoundNearest:
		out = scaled.Round(0)
	default:
		return 0, fmt.Errorf("unknown rounding mode %d", rounding)
	}

	bi := out.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, d)
	}
	return bi.Uint64(), nil
}

// Format renders integer units as a decimal string.
func (p *Params) Format(amount uint64) string {
	return helpers.FormatAmount(amount, p.Decimals)
}

// ConvertAmount computes the other-leg amount for amountFrom at rate.
// rate is a fixed-point value with RateDecimals places, expressed as
// units of coin-to per whole coin-from. Both parties must use the same
// rounding direction to arrive at identical figures independently.
func ConvertAmount(amountFrom uint64, rate uint64, from, to *Params, rounding Rounding) (uint64, error) {
	amt := decimal.New(int64(amountFrom), -int32(from.Decimals))
	r := decimal.New(int64(rate), -RateDecimals)
	return to.MakeIntFromDecimal(amt.Mul(r), rounding)
}

// FormatRate renders a fixed-point rate as a decimal string.
func FormatRate(rate uint64) string {
	return helpers.FormatAmount(rate, RateDecimals)
}

// ParseRate parses a decimal rate string to fixed-point units.
func ParseRate(s string) (uint64, error) {
	return helpers.ParseAmount(s, RateDecimals)
}
