// Package connector implements the upstream REST clients for each supported
// exchange. A connector translates between an exchange's native API and the
// unified market data model; it holds no persistence or retry policy, only
// transport, rate limiting and payload normalization.
package connector

import (
	"context"

	"github.com/tenthmarket/go-market-collector/internal/models"
)

// Connector is the upstream boundary for one exchange. Implementations
// prefer batched endpoints: LoadMarkets, FetchTickers and FetchFundingRates
// each resolve all requested symbols from as few requests as the exchange
// allows. FetchOrderBooks is the exception; public depth endpoints are
// per-symbol, so it fans out one request per requested symbol.
type Connector interface {
	// Name returns the lowercase exchange identifier.
	Name() string

	// LoadMarkets fetches metadata for every market the exchange lists,
	// spot and derivatives alike.
	LoadMarkets(ctx context.Context) ([]models.Market, error)

	// FetchTickers returns 24h tickers for all markets of the given kind,
	// keyed by unified symbol.
	FetchTickers(ctx context.Context, kind models.MarketKind) (map[string]models.Ticker, error)

	// FetchOrderBooks returns depth snapshots for the given unified
	// symbols, keyed by unified symbol. Symbols the exchange rejects are
	// omitted from the result rather than failing the batch.
	FetchOrderBooks(ctx context.Context, symbols []string, kind models.MarketKind, depth int) (map[string]models.OrderBook, error)

	// FetchFundingRates returns current funding snapshots for perpetual
	// markets, keyed by unified symbol. An empty symbol list requests all
	// perpetuals the connector knows about.
	FetchFundingRates(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error)
}
