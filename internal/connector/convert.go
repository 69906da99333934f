package connector

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tenthmarket/go-market-collector/internal/models"
)

// precisionFromStep derives decimal digits from a step size string, e.g.
// "0.001" yields 3. Unparseable or integer steps yield zero.
func precisionFromStep(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return 0
	}
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// parseMillis parses an epoch-milliseconds string, zero on failure.
func parseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// parseBookSide converts raw [price, amount, ...] string tuples into book
// entries, dropping malformed levels.
func parseBookSide(levels [][]string) []models.BookEntry {
	out := make([]models.BookEntry, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(level[1])
		if err != nil {
			continue
		}
		out = append(out, models.BookEntry{Price: price, Amount: amount})
	}
	return out
}

var hundred = decimal.NewFromInt(100)

func decimalNull() decimal.NullDecimal {
	return decimal.NullDecimal{}
}

// changeFromOpen computes absolute and percentage 24h change when both the
// last and open prices are known.
func changeFromOpen(last, open decimal.NullDecimal) (change, percentage decimal.NullDecimal) {
	if !last.Valid || !open.Valid || open.Decimal.IsZero() {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	diff := last.Decimal.Sub(open.Decimal)
	pct := diff.Div(open.Decimal).Mul(decimal.NewFromInt(100))
	return models.NullDecimal(diff), models.NullDecimal(pct)
}
