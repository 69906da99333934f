package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// TradingPair is the persisted configuration row for one market. Natural key:
// (symbol, kind) within an exchange's table. Rows are refreshed once per
// collection run and never deleted; a delisted market shows as inactive.
type TradingPair struct {
	Symbol     string     `json:"symbol"`
	BaseAsset  string     `json:"base_asset"`
	QuoteAsset string     `json:"quote_asset"`
	Kind       MarketKind `json:"type"`
	IsActive   bool       `json:"is_active"`

	PricePrecision  int32 `json:"precision_price"`
	AmountPrecision int32 `json:"precision_amount"`

	MinAmount decimal.NullDecimal `json:"min_amount"`
	MaxAmount decimal.NullDecimal `json:"max_amount"`
	MinCost   decimal.NullDecimal `json:"min_cost"`
	MaxCost   decimal.NullDecimal `json:"max_cost"`
	MinPrice  decimal.NullDecimal `json:"min_price"`
	MaxPrice  decimal.NullDecimal `json:"max_price"`

	TickSize decimal.NullDecimal `json:"tick_size"`
	StepSize decimal.NullDecimal `json:"step_size"`

	ContractSize       decimal.NullDecimal `json:"contract_size"`
	SettlementCurrency string              `json:"settlement_currency"`
	IsLinear           bool                `json:"is_linear"`
	IsInverse          bool                `json:"is_inverse"`

	RawData json.RawMessage `json:"raw_data"`
}

// NewTradingPair maps unified market metadata to the persisted pair schema.
// Tick and step sizes derive from the precision digits (10^-precision).
func NewTradingPair(m Market) TradingPair {
	raw := m.Info
	if raw == nil {
		raw, _ = json.Marshal(m)
	}

	return TradingPair{
		Symbol:             m.Symbol,
		BaseAsset:          m.Base,
		QuoteAsset:         m.Quote,
		Kind:               m.Classify(),
		IsActive:           m.Active,
		PricePrecision:     m.PricePrecision,
		AmountPrecision:    m.AmountPrecision,
		MinAmount:          m.MinAmount,
		MaxAmount:          m.MaxAmount,
		MinCost:            m.MinCost,
		MaxCost:            m.MaxCost,
		MinPrice:           m.MinPrice,
		MaxPrice:           m.MaxPrice,
		TickSize:           precisionStep(m.PricePrecision),
		StepSize:           precisionStep(m.AmountPrecision),
		ContractSize:       m.ContractSize,
		SettlementCurrency: m.Settle,
		IsLinear:           m.Linear,
		IsInverse:          m.Inverse,
		RawData:            raw,
	}
}

func precisionStep(digits int32) decimal.NullDecimal {
	if digits <= 0 {
		return decimal.NullDecimal{}
	}
	return NullDecimal(decimal.New(1, -digits))
}
