// Package money holds the dollar/cent arithmetic shared by the wallet
// mirror, the tip flow and the API client. Every operation rounds to cents
// so repeated float arithmetic never drifts.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// CentsPerDollar is the conversion factor between the two balance encodings
const CentsPerDollar = 100

// MaxAmount is the largest balance kept in either encoding. Its cents
// fit in an int64 and every cent below it is exact in a float64.
const MaxAmount = 1e13

// MaxCents is MaxAmount in cents
const MaxCents int64 = MaxAmount * CentsPerDollar

var hundred = decimal.NewFromInt(CentsPerDollar)

// IsFinite reports whether v is usable as an amount
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Round2 rounds a dollar amount to 2 decimal places
func Round2(v float64) float64 {
	if !IsFinite(v) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// InRange reports whether v is finite and its magnitude does not exceed MaxAmount
func InRange(v float64) bool {
	return IsFinite(v) && math.Abs(v) <= MaxAmount
}

// ToCents converts dollars to integer cents, rounding half away from zero.
// Amounts beyond MaxAmount saturate at ±MaxCents.
func ToCents(v float64) int64 {
	switch {
	case !IsFinite(v):
		return 0
	case v > MaxAmount:
		return MaxCents
	case v < -MaxAmount:
		return -MaxCents
	}
	return decimal.NewFromFloat(v).Mul(hundred).Round(0).IntPart()
}

// FromCents converts integer cents back to dollars
func FromCents(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}

// Add returns a+b rounded to cents
func Add(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

// Sub returns a-b rounded to cents
func Sub(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

// Mul returns a*b rounded to cents
func Mul(a, b float64) float64 {
	return decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(2).InexactFloat64()
}

// ClampNonNegative rounds v to cents, replaces negative or non-finite
// values with 0 and caps the rest at MaxAmount. Persisted balances always
// pass through here.
func ClampNonNegative(v float64) float64 {
	switch {
	case !IsFinite(v) || v < 0:
		return 0
	case v > MaxAmount:
		return MaxAmount
	}
	return Round2(v)
}

// Format renders a dollar amount as "$12.34"
func Format(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}
