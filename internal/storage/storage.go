// Package storage persists normalized market data. Tables are per exchange
// and per data type; rows are upserted by natural key so a collection cycle
// is idempotent. Order book levels are the exception and are replaced
// wholesale per snapshot, funding rates accumulate as a time series.
package storage

import (
	"context"
	"fmt"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

// Gateway is the persistence boundary used by the exchange adapters and the
// scheduler. Write methods return the number of rows written.
type Gateway interface {
	// Initialize creates the schema for all known exchanges.
	Initialize(ctx context.Context) error
	Close() error

	// UpsertTradingPairs refreshes pair metadata, keyed by (symbol, type).
	UpsertTradingPairs(ctx context.Context, exchange string, rows []models.TradingPair) (int, error)

	// UpsertSpotTickers overwrites spot tickers, keyed by symbol.
	UpsertSpotTickers(ctx context.Context, exchange string, rows []models.SpotTicker) (int, error)

	// UpsertPerpetualTickers overwrites perpetual tickers, keyed by symbol.
	UpsertPerpetualTickers(ctx context.Context, exchange string, rows []models.PerpetualTicker) (int, error)

	// ReplaceOrderBookLevels replaces stored depth per (symbol, type): all
	// previous levels of a snapshot's symbol and kind are removed before
	// the new levels are inserted, so stale ranks never linger. Symbols
	// absent from rows are untouched.
	ReplaceOrderBookLevels(ctx context.Context, exchange string, rows []models.OrderBookLevel) (int, error)

	// InsertFundingRates appends funding records keyed by
	// (symbol, funding_time); re-collecting the same period updates in
	// place instead of duplicating.
	InsertFundingRates(ctx context.Context, exchange string, rows []models.FundingRateRecord) (int, error)

	// UpdateExchangeStatus applies a partial status update. It never
	// returns an error: status reporting must not fail a collection run,
	// so write failures are logged and swallowed.
	UpdateExchangeStatus(ctx context.Context, exchange string, update models.StatusUpdate)

	// GetExchangeStatuses returns the current status row per exchange.
	GetExchangeStatuses(ctx context.Context) ([]models.ExchangeStatus, error)

	// TopSymbolsByVolume returns up to limit symbols of one kind ordered
	// by descending 24h quote volume, for depth collection targeting.
	TopSymbolsByVolume(ctx context.Context, exchange string, kind models.MarketKind, limit int) ([]string, error)
}

var validExchanges = map[string]bool{
	"okx":     true,
	"binance": true,
	"bybit":   true,
}

var tableSuffixes = map[string]string{
	"tradingPairs": "trading_pairs",
	"spot":         "spot_data",
	"perpetual":    "perpetual_data",
	"orderbook":    "orderbook_data",
	"fundingRate":  "funding_rate_data",
}

// Exchanges returns the exchanges the schema covers.
func Exchanges() []string {
	return []string{"okx", "binance", "bybit"}
}

// TableName resolves the table for an (exchange, dataType) pair. Both parts
// are validated against closed enumerations; identifiers are never built
// from caller-supplied strings directly.
func TableName(exchange, dataType string) (string, error) {
	if !validExchanges[exchange] {
		return "", apperrors.NewInvalidArgument("exchange", exchange, "unknown exchange")
	}
	suffix, ok := tableSuffixes[dataType]
	if !ok {
		return "", apperrors.NewInvalidArgument("dataType", dataType, "unknown data type")
	}
	return fmt.Sprintf("%s_%s", exchange, suffix), nil
}
