package models

import (
	"database/sql"
	"time"
)

// ExchangeState is the health state recorded per exchange. An exchange in
// StateError keeps being polled; the state reflects the most recent outcome,
// not a gate.
type ExchangeState string

const (
	StateActive   ExchangeState = "active"
	StateInactive ExchangeState = "inactive"
	StateError    ExchangeState = "error"
)

// ExchangeStatus is the persisted per-exchange health row. Natural key:
// exchange name. Timestamps record the last successful write per data type;
// a failed run updates State and ErrorMessage but leaves the per-type
// timestamps from the last success intact.
type ExchangeStatus struct {
	Exchange string        `json:"exchange"`
	State    ExchangeState `json:"status"`

	LastSpotUpdate      sql.NullTime `json:"last_spot_update"`
	LastPerpetualUpdate sql.NullTime `json:"last_perpetual_update"`
	LastOrderbookUpdate sql.NullTime `json:"last_orderbook_update"`
	LastFundingUpdate   sql.NullTime `json:"last_funding_update"`
	LastPairsUpdate     sql.NullTime `json:"last_pairs_update"`

	ActiveSpotPairs      sql.NullInt64 `json:"active_spot_pairs"`
	ActivePerpetualPairs sql.NullInt64 `json:"active_perpetual_pairs"`

	ErrorMessage  sql.NullString `json:"error_message"`
	LastErrorTime sql.NullTime   `json:"last_error_time"`

	UpdatedAt time.Time `json:"updated_at"`
}

// StatusUpdate is a partial update applied to an exchange's status row. Only
// the fields relevant to the completed operation are set; nil pointers leave
// the stored values untouched.
type StatusUpdate struct {
	State ExchangeState

	DataType DataType
	At       time.Time

	SpotPairCount      *int64
	PerpetualPairCount *int64

	ErrorMessage string
}

// DataType enumerates the collectable data categories in their fixed
// collection order.
type DataType string

const (
	DataTradingPairs DataType = "tradingPairs"
	DataSpot         DataType = "spot"
	DataPerpetual    DataType = "perpetual"
	DataOrderBook    DataType = "orderbook"
	DataFundingRate  DataType = "fundingRate"
)

// CollectionOrder is the fixed sequence data types are collected in within a
// cycle: pair metadata first so later stages see fresh symbol sets, funding
// last.
var CollectionOrder = []DataType{
	DataTradingPairs,
	DataSpot,
	DataPerpetual,
	DataOrderBook,
	DataFundingRate,
}

// Valid reports whether the data type is a known collectable category.
func (d DataType) Valid() bool {
	switch d {
	case DataTradingPairs, DataSpot, DataPerpetual, DataOrderBook, DataFundingRate:
		return true
	}
	return false
}
