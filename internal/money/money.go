// Package money implements integer-cents arithmetic for every monetary value
// in the exchange. Stored state never holds floating point; ratios that must
// be expressed fractionally (settlement rates, weekly returns) go through
// shopspring/decimal and are rounded back to whole cents immediately.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrZeroDivisor is returned when a division has a zero denominator.
	ErrZeroDivisor = errors.New("money: division by zero")

	// ErrOverflow is returned when a result does not fit in int64 cents.
	ErrOverflow = errors.New("money: result overflows int64 cents")
)

// CentsPerUnit is the number of minor units in one major currency unit.
const CentsPerUnit int64 = 100

// NAV returns the per-share price of a team:
//
//	round-half-up(marketCapCents / totalShares)
//
// Every path that needs "the price" must call this and reuse its result.
func NAV(marketCapCents, totalShares int64) (int64, error) {
	if totalShares <= 0 {
		return 0, ErrZeroDivisor
	}
	return DivRound(marketCapCents, totalShares)
}

// MustNAV is NAV for callers that have already validated totalShares.
func MustNAV(marketCapCents, totalShares int64) int64 {
	nav, err := NAV(marketCapCents, totalShares)
	if err != nil {
		panic(err)
	}
	return nav
}

// DivRound returns round-half-up(a / b). Negative quotients round half away
// from zero so that the function is symmetric around zero.
func DivRound(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrZeroDivisor
	}
	return MulDivRound(a, 1, b)
}

// MulDivRound returns round-half-up(a * b / c) using a 128-bit intermediate
// so that a*b never overflows before the division.
func MulDivRound(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, ErrZeroDivisor
	}

	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	den := big.NewInt(c)

	neg := (num.Sign() < 0) != (den.Sign() < 0)
	num.Abs(num)
	den.Abs(den)

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))

	// Round half up on magnitude: 2*rem >= den.
	if rem.Lsh(rem, 1).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	if neg {
		quo.Neg(quo)
	}
	if !quo.IsInt64() {
		return 0, ErrOverflow
	}
	return quo.Int64(), nil
}

// Mul returns a*b, failing on int64 overflow.
func Mul(a, b int64) (int64, error) {
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return p.Int64(), nil
}

// ApplyRate returns round-half-up(cents * rate) in whole cents.
func ApplyRate(cents int64, rate decimal.Decimal) int64 {
	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative caps this is applied to.
	return decimal.NewFromInt(cents).Mul(rate).Round(0).IntPart()
}

// Ratio returns num/den as a decimal rounded to places digits, or zero when
// den is not positive.
func Ratio(num, den int64, places int32) decimal.Decimal {
	if den <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), places)
}

// FromDecimal converts a major-unit decimal amount (e.g. "12.34") to cents,
// rejecting values with sub-cent precision.
func FromDecimal(d decimal.Decimal) (int64, error) {
	c := d.Mul(decimal.NewFromInt(CentsPerUnit))
	if !c.Equal(c.Truncate(0)) {
		return 0, fmt.Errorf("money: %s has more than two decimal places", d)
	}
	if !c.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return c.IntPart(), nil
}

// ToDecimal converts cents to a major-unit decimal with two places.
func ToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents as a dollar string with thousands separators,
// e.g. 123456 -> "$1,234.56" and -5 -> "-$0.05".
func Format(cents int64) string {
	sign := ""
	mag := new(big.Int).SetInt64(cents)
	if cents < 0 {
		sign = "-"
		mag.Neg(mag)
	}
	units, frac := new(big.Int).QuoRem(mag, big.NewInt(CentsPerUnit), new(big.Int))

	digits := units.String()
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, b.String(), frac.Int64())
}
