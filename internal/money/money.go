// Package money provides decimal arithmetic for settlement amounts.
//
// Amounts travel through the system as decimal strings ("1500.00") and are
// parsed into shopspring decimals only at computation points. This keeps
// JSON payloads and database columns exact while avoiding float drift.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on formatted amounts.
const Scale = 2

var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a decimal string into a decimal value.
// Rejects empty strings, NaN-ish input, and negative zero weirdness.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// MustParse parses s or panics. For constants and tests only.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// parseLenient parses s, treating garbage as zero. Used by the string
// helpers below, mirroring how records carry already-validated amounts.
func parseLenient(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Format renders d with the standard scale.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Add returns a + b formatted at the standard scale.
func Add(a, b string) string {
	return Format(parseLenient(a).Add(parseLenient(b)))
}

// Sub returns a - b formatted at the standard scale.
func Sub(a, b string) string {
	return Format(parseLenient(a).Sub(parseLenient(b)))
}

// Cmp compares two amount strings: -1 if a < b, 0 if equal, 1 if a > b.
func Cmp(a, b string) int {
	return parseLenient(a).Cmp(parseLenient(b))
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(s string) bool {
	return parseLenient(s).IsPositive()
}

// IsZero reports whether the amount equals zero.
func IsZero(s string) bool {
	return parseLenient(s).IsZero()
}

// BasisPoints returns amount * bps / 10000, rounded half-up at the
// standard scale. 800 bps of "10000.00" is "800.00".
func BasisPoints(amount string, bps int64) string {
	d := parseLenient(amount)
	rate := decimal.New(bps, -4)
	return Format(d.Mul(rate).Round(Scale))
}

// Mul returns a * b formatted at the standard scale.
func Mul(a, b string) string {
	return Format(parseLenient(a).Mul(parseLenient(b)).Round(Scale))
}

// Div returns a / b formatted at the standard scale.
// Division by zero returns "0.00".
func Div(a, b string) string {
	db := parseLenient(b)
	if db.IsZero() {
		return Format(decimal.Zero)
	}
	return Format(parseLenient(a).DivRound(db, Scale))
}
