package models

import "github.com/shopspring/decimal"

// TickerAnomaly names a data quality issue found in a normalized ticker.
// Anomalous tickers are still persisted; the checks exist so operators can
// spot upstream data problems in the logs, not to gate writes.
type TickerAnomaly string

const (
	AnomalyNegativePrice TickerAnomaly = "negative_price"
	AnomalyCrossedBook   TickerAnomaly = "crossed_book"
	AnomalyInvertedRange TickerAnomaly = "inverted_range"
)

// CheckTicker runs cheap sanity checks on a normalized ticker: no negative
// prices, bid not above ask, 24h high not below 24h low. Null fields pass;
// only values the exchange actually reported are judged.
func CheckTicker(t Ticker) []TickerAnomaly {
	var anomalies []TickerAnomaly

	for _, p := range []decimal.NullDecimal{t.Last, t.Bid, t.Ask, t.High, t.Low} {
		if p.Valid && p.Decimal.IsNegative() {
			anomalies = append(anomalies, AnomalyNegativePrice)
			break
		}
	}

	if t.Bid.Valid && t.Ask.Valid && t.Bid.Decimal.GreaterThan(t.Ask.Decimal) {
		anomalies = append(anomalies, AnomalyCrossedBook)
	}
	if t.High.Valid && t.Low.Valid && t.High.Decimal.LessThan(t.Low.Decimal) {
		anomalies = append(anomalies, AnomalyInvertedRange)
	}
	return anomalies
}
