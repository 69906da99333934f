package models

import (
	"database/sql"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Ticker is the unified 24h ticker produced by a connector's batched
// FetchTickers call. All prices and sizes are nullable: a field the exchange
// did not report stays null end to end.
type Ticker struct {
	Symbol string `json:"symbol"`

	Last      decimal.NullDecimal `json:"last"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	BidVolume decimal.NullDecimal `json:"bid_volume"`
	AskVolume decimal.NullDecimal `json:"ask_volume"`

	BaseVolume  decimal.NullDecimal `json:"base_volume"`
	QuoteVolume decimal.NullDecimal `json:"quote_volume"`

	High  decimal.NullDecimal `json:"high"`
	Low   decimal.NullDecimal `json:"low"`
	Open  decimal.NullDecimal `json:"open"`
	Close decimal.NullDecimal `json:"close"`

	Change     decimal.NullDecimal `json:"change"`
	Percentage decimal.NullDecimal `json:"percentage"`
	Count      sql.NullInt64       `json:"count"`

	// Perpetual-only enrichments; null for spot markets.
	MarkPrice    decimal.NullDecimal `json:"mark_price"`
	IndexPrice   decimal.NullDecimal `json:"index_price"`
	OpenInterest decimal.NullDecimal `json:"open_interest"`

	Timestamp int64           `json:"timestamp"`
	Info      json.RawMessage `json:"info"`
}

// BookEntry is one price level of an order book side.
type BookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook is a depth snapshot for one symbol, bids descending and asks
// ascending by price, as returned by the exchange.
type OrderBook struct {
	Symbol    string          `json:"symbol"`
	Bids      []BookEntry     `json:"bids"`
	Asks      []BookEntry     `json:"asks"`
	Timestamp int64           `json:"timestamp"`
	Info      json.RawMessage `json:"info"`
}

// FundingRateInfo is the unified funding rate snapshot for one perpetual
// contract. FundingTime identifies the funding period the rate applies to;
// it is the natural-key component that makes funding rates a time series.
type FundingRateInfo struct {
	Symbol          string              `json:"symbol"`
	FundingRate     decimal.NullDecimal `json:"funding_rate"`
	FundingTime     int64               `json:"funding_time"`
	NextFundingTime int64               `json:"next_funding_time"`
	MarkPrice       decimal.NullDecimal `json:"mark_price"`
	IndexPrice      decimal.NullDecimal `json:"index_price"`
	Info            json.RawMessage     `json:"info"`
}
