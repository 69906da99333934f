package models

import (
	"database/sql"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SpotTicker is the persisted 24h spot ticker row. Natural key: symbol.
// Each poll overwrites the same row; no history is retained.
type SpotTicker struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	LastPrice decimal.NullDecimal `json:"last_price"`
	BidPrice  decimal.NullDecimal `json:"bid_price"`
	AskPrice  decimal.NullDecimal `json:"ask_price"`
	BidSize   decimal.NullDecimal `json:"bid_size"`
	AskSize   decimal.NullDecimal `json:"ask_size"`

	Volume24h      decimal.NullDecimal `json:"volume_24h"`
	VolumeBase24h  decimal.NullDecimal `json:"volume_base_24h"`
	VolumeQuote24h decimal.NullDecimal `json:"volume_quote_24h"`

	High24h  decimal.NullDecimal `json:"high_24h"`
	Low24h   decimal.NullDecimal `json:"low_24h"`
	Open24h  decimal.NullDecimal `json:"open_24h"`
	Close24h decimal.NullDecimal `json:"close_24h"`

	PriceChange24h        decimal.NullDecimal `json:"price_change_24h"`
	PriceChangePercent24h decimal.NullDecimal `json:"price_change_percent_24h"`
	Count24h              sql.NullInt64       `json:"count_24h"`

	Timestamp int64           `json:"timestamp"`
	RawData   json.RawMessage `json:"raw_data"`
}

// NewSpotTicker normalizes a unified ticker into the spot row schema.
func NewSpotTicker(base, quote string, t Ticker) SpotTicker {
	close24h := t.Close
	if !close24h.Valid {
		close24h = t.Last
	}

	return SpotTicker{
		Symbol:                t.Symbol,
		BaseAsset:             base,
		QuoteAsset:            quote,
		LastPrice:             t.Last,
		BidPrice:              t.Bid,
		AskPrice:              t.Ask,
		BidSize:               t.BidVolume,
		AskSize:               t.AskVolume,
		Volume24h:             t.BaseVolume,
		VolumeBase24h:         t.BaseVolume,
		VolumeQuote24h:        t.QuoteVolume,
		High24h:               t.High,
		Low24h:                t.Low,
		Open24h:               t.Open,
		Close24h:              close24h,
		PriceChange24h:        t.Change,
		PriceChangePercent24h: t.Percentage,
		Count24h:              t.Count,
		Timestamp:             t.Timestamp,
		RawData:               t.Info,
	}
}

// PerpetualTicker extends the spot schema with contract reference prices,
// open interest and funding fields. Natural key: symbol, overwrite per poll.
type PerpetualTicker struct {
	SpotTicker

	MarkPrice  decimal.NullDecimal `json:"mark_price"`
	IndexPrice decimal.NullDecimal `json:"index_price"`

	OpenInterest      decimal.NullDecimal `json:"open_interest"`
	OpenInterestValue decimal.NullDecimal `json:"open_interest_value"`

	FundingRate          decimal.NullDecimal `json:"funding_rate"`
	NextFundingTime      sql.NullInt64       `json:"next_funding_time"`
	PredictedFundingRate decimal.NullDecimal `json:"predicted_funding_rate"`

	Turnover24h decimal.NullDecimal `json:"turnover_24h"`
}

// NewPerpetualTicker normalizes a unified ticker plus an optional funding
// snapshot into the perpetual row schema. Mark and index prices fall back to
// the last traded price when the exchange does not report them separately.
func NewPerpetualTicker(base, quote string, t Ticker, fr *FundingRateInfo) PerpetualTicker {
	row := PerpetualTicker{
		SpotTicker:   NewSpotTicker(base, quote, t),
		MarkPrice:    t.MarkPrice,
		IndexPrice:   t.IndexPrice,
		OpenInterest: t.OpenInterest,
		Turnover24h:  t.QuoteVolume,
	}

	if fr != nil {
		row.FundingRate = fr.FundingRate
		row.PredictedFundingRate = fr.FundingRate
		if fr.NextFundingTime != 0 {
			row.NextFundingTime = sql.NullInt64{Int64: fr.NextFundingTime, Valid: true}
		}
		if !row.MarkPrice.Valid {
			row.MarkPrice = fr.MarkPrice
		}
		if !row.IndexPrice.Valid {
			row.IndexPrice = fr.IndexPrice
		}
	}

	if !row.MarkPrice.Valid {
		row.MarkPrice = t.Last
	}
	if !row.IndexPrice.Valid {
		row.IndexPrice = t.Last
	}
	return row
}

// OrderBookSide identifies one side of an order book.
type OrderBookSide string

const (
	SideBid OrderBookSide = "bid"
	SideAsk OrderBookSide = "ask"
)

// OrderBookLevel is one persisted depth level. Natural key:
// (symbol, kind, side, rank); rank is the zero-based position within the
// snapshot. A snapshot is written as a truncate-then-insert replacement per
// (symbol, kind) so that ranks beyond the new snapshot's depth are pruned.
type OrderBookLevel struct {
	Symbol string          `json:"symbol"`
	Kind   MarketKind      `json:"type"`
	Side   OrderBookSide   `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
	Rank   int             `json:"order_index"`

	Timestamp int64           `json:"timestamp"`
	RawData   json.RawMessage `json:"raw_data"`
}

// FlattenOrderBook expands a depth snapshot into persisted level rows, bids
// then asks, each side ranked from the top of the book.
func FlattenOrderBook(book OrderBook, kind MarketKind, timestamp int64) []OrderBookLevel {
	levels := make([]OrderBookLevel, 0, len(book.Bids)+len(book.Asks))
	for i, e := range book.Bids {
		levels = append(levels, newLevel(book.Symbol, kind, SideBid, i, e, timestamp))
	}
	for i, e := range book.Asks {
		levels = append(levels, newLevel(book.Symbol, kind, SideAsk, i, e, timestamp))
	}
	return levels
}

func newLevel(symbol string, kind MarketKind, side OrderBookSide, rank int, e BookEntry, ts int64) OrderBookLevel {
	raw, _ := json.Marshal(map[string]any{
		"level":  rank,
		"price":  e.Price,
		"amount": e.Amount,
		"side":   side,
	})
	return OrderBookLevel{
		Symbol:    symbol,
		Kind:      kind,
		Side:      side,
		Price:     e.Price,
		Amount:    e.Amount,
		Total:     e.Price.Mul(e.Amount),
		Rank:      rank,
		Timestamp: ts,
		RawData:   raw,
	}
}

// FundingRateRecord is the persisted funding rate for one funding period.
// Natural key: (symbol, funding_time). Unlike every other entity this table
// accumulates rows, forming a time series across funding periods.
type FundingRateRecord struct {
	Symbol          string              `json:"symbol"`
	FundingRate     decimal.Decimal     `json:"funding_rate"`
	FundingTime     int64               `json:"funding_time"`
	MarkPrice       decimal.NullDecimal `json:"mark_price"`
	IndexPrice      decimal.NullDecimal `json:"index_price"`
	NextFundingTime sql.NullInt64       `json:"next_funding_time"`
	Timestamp       int64               `json:"timestamp"`
	RawData         json.RawMessage     `json:"raw_data"`
}

// NewFundingRateRecord normalizes a funding snapshot into the persisted
// schema. A snapshot without a funding time stamps the collection time so
// the record still lands in a distinct period row.
func NewFundingRateRecord(fr FundingRateInfo, collectedAt int64) FundingRateRecord {
	fundingTime := fr.FundingTime
	if fundingTime == 0 {
		if fr.NextFundingTime != 0 {
			fundingTime = fr.NextFundingTime
		} else {
			fundingTime = collectedAt
		}
	}

	rec := FundingRateRecord{
		Symbol:      fr.Symbol,
		FundingTime: fundingTime,
		MarkPrice:   fr.MarkPrice,
		IndexPrice:  fr.IndexPrice,
		Timestamp:   collectedAt,
		RawData:     fr.Info,
	}
	if fr.FundingRate.Valid {
		rec.FundingRate = fr.FundingRate.Decimal
	}
	if fr.NextFundingTime != 0 {
		rec.NextFundingTime = sql.NullInt64{Int64: fr.NextFundingTime, Valid: true}
	}
	return rec
}
