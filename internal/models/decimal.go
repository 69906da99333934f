package models

import (
	"math"

	"github.com/shopspring/decimal"
)

// NullDecimalFromFloat converts a float into a nullable decimal, mapping
// NaN and infinities to null so they can never reach storage.
func NullDecimalFromFloat(f float64) decimal.NullDecimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(f), Valid: true}
}

// NullDecimalFromFloatPtr is the pointer variant used when an upstream field
// may be absent entirely.
func NullDecimalFromFloatPtr(f *float64) decimal.NullDecimal {
	if f == nil {
		return decimal.NullDecimal{}
	}
	return NullDecimalFromFloat(*f)
}

// NullDecimalFromString parses an upstream decimal string. Empty strings and
// unparseable values map to null rather than an error; exchange ticker
// payloads routinely omit fields or send "".
func NullDecimalFromString(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// NullDecimal wraps a concrete decimal as a valid nullable decimal.
func NullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
