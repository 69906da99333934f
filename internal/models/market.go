// Package models defines the canonical data model for multi-exchange market
// data collection: upstream market metadata and the normalized row schemas
// that the persistence layer upserts by natural key.
//
// Every numeric row field is either a finite decimal or explicitly null
// (decimal.NullDecimal / sql.Null*); NaN and infinities are rejected during
// normalization. Raw upstream payloads are retained verbatim in RawData for
// forensic replay.
package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MarketKind classifies a market into exactly one trading category.
type MarketKind string

const (
	KindSpot      MarketKind = "spot"
	KindPerpetual MarketKind = "perpetual"
	KindFuture    MarketKind = "future"
	KindUnknown   MarketKind = "unknown"

	// KindAll is a selector value, never a classification result.
	KindAll MarketKind = "all"
)

// Valid reports whether the kind is a storable classification.
func (k MarketKind) Valid() bool {
	return k == KindSpot || k == KindPerpetual || k == KindFuture
}

// Market is the unified market metadata record produced by a connector's
// LoadMarkets call. Field names follow the upstream convention: Type is the
// explicit market type tag ("spot", "swap", "future"), the booleans are
// capability flags that some exchanges populate instead of (or alongside)
// the tag, and Expiry is the contract expiry in epoch milliseconds (zero for
// non-expiring markets).
type Market struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Active bool   `json:"active"`

	Type   string `json:"type"`
	Spot   bool   `json:"spot"`
	Swap   bool   `json:"swap"`
	Future bool   `json:"future"`
	Expiry int64  `json:"expiry"`

	PricePrecision  int32 `json:"price_precision"`
	AmountPrecision int32 `json:"amount_precision"`

	MinAmount decimal.NullDecimal `json:"min_amount"`
	MaxAmount decimal.NullDecimal `json:"max_amount"`
	MinCost   decimal.NullDecimal `json:"min_cost"`
	MaxCost   decimal.NullDecimal `json:"max_cost"`
	MinPrice  decimal.NullDecimal `json:"min_price"`
	MaxPrice  decimal.NullDecimal `json:"max_price"`

	ContractSize decimal.NullDecimal `json:"contract_size"`
	Settle       string              `json:"settle"`
	Linear       bool                `json:"linear"`
	Inverse      bool                `json:"inverse"`

	Info json.RawMessage `json:"info"`
}

// Classify assigns the market to exactly one of spot, perpetual or future.
//
// Precedence: the explicit Type tag is authoritative. The boolean capability
// flags are consulted only when the tag is empty, so exchanges whose metadata
// disagrees between the two sources classify deterministically. A market
// tagged swap classifies as perpetual only without an expiry; the same tag
// with an expiry is a dated contract and classifies as future.
func (m *Market) Classify() MarketKind {
	if m.Type != "" {
		switch m.Type {
		case "spot":
			return KindSpot
		case "swap", "perpetual":
			if m.Expiry == 0 {
				return KindPerpetual
			}
			return KindFuture
		case "future":
			if m.Expiry != 0 {
				return KindFuture
			}
			return KindPerpetual
		default:
			return KindUnknown
		}
	}

	switch {
	case m.Spot:
		return KindSpot
	case m.Swap && m.Expiry == 0:
		return KindPerpetual
	case m.Swap:
		return KindFuture
	case m.Future && m.Expiry != 0:
		return KindFuture
	case m.Future:
		return KindPerpetual
	}
	return KindUnknown
}

// Matches reports whether the market's classification satisfies the selector.
func (m *Market) Matches(kind MarketKind) bool {
	if kind == KindAll {
		return m.Classify() != KindUnknown
	}
	return m.Classify() == kind
}
