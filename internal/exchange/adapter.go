// Package exchange implements the per-exchange collection adapters. An
// adapter composes a connector, the retry executor and the persistence
// gateway into the five collection operations a scheduler cycle runs:
// trading pairs, spot tickers, perpetual tickers, order book depth and
// funding rates.
//
// Adapters are stateful only in their market cache: Initialize (or a trading
// pairs collection) loads the exchange's market list, filters it to the
// configured quote currency, and every later operation resolves symbols
// against that cache.
package exchange

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenthmarket/go-market-collector/internal/connector"
	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
	"github.com/tenthmarket/go-market-collector/internal/retry"
	"github.com/tenthmarket/go-market-collector/internal/storage"
)

// Options bounds an adapter's collection behavior.
type Options struct {
	// QuoteCurrency filters the market universe; only markets quoted in it
	// are collected. Uppercase, typically "USDT".
	QuoteCurrency string

	// OrderBookDepth is the number of levels requested per side.
	OrderBookDepth int

	// OrderBookMaxSymbols caps how many top-volume symbols of each kind get
	// depth snapshots per cycle.
	OrderBookMaxSymbols int
}

// Adapter drives collection for one exchange. All methods are safe for
// concurrent use, though the scheduler serializes operations per exchange.
type Adapter struct {
	name    string
	conn    connector.Connector
	gateway storage.Gateway
	retrier *retry.Executor
	opts    Options
	logger  *slog.Logger

	initialized atomic.Bool

	mu      sync.RWMutex
	markets map[string]models.Market // unified symbol+kind keyed, see marketKey
}

type marketKey struct {
	symbol string
	kind   models.MarketKind
}

// New builds an adapter around an already constructed connector.
func New(conn connector.Connector, gateway storage.Gateway, retrier *retry.Executor, opts Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USDT"
	}
	if opts.OrderBookDepth <= 0 {
		opts.OrderBookDepth = 20
	}
	if opts.OrderBookMaxSymbols <= 0 {
		opts.OrderBookMaxSymbols = 30
	}
	return &Adapter{
		name:    conn.Name(),
		conn:    conn,
		gateway: gateway,
		retrier: retrier,
		opts:    opts,
		logger:  logger.With("exchange", conn.Name()),
	}
}

// Name returns the lowercase exchange identifier.
func (a *Adapter) Name() string { return a.name }

// Initialize loads the market universe and filters it to the configured
// quote currency. Must succeed before any collection operation runs.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.refreshMarkets(ctx); err != nil {
		return err
	}
	a.initialized.Store(true)
	return nil
}

func (a *Adapter) refreshMarkets(ctx context.Context) error {
	markets, err := retry.Do(ctx, a.retrier, a.name+".loadMarkets", func(ctx context.Context) ([]models.Market, error) {
		return a.conn.LoadMarkets(ctx)
	})
	if err != nil {
		return err
	}

	filtered := make(map[marketKey]models.Market)
	for _, m := range markets {
		kind := m.Classify()
		if !kind.Valid() || m.Quote != a.opts.QuoteCurrency {
			continue
		}
		filtered[marketKey{m.Symbol, kind}] = m
	}

	a.mu.Lock()
	a.markets = make(map[string]models.Market, len(filtered))
	for k, m := range filtered {
		a.markets[cacheKey(k.symbol, k.kind)] = m
	}
	a.mu.Unlock()

	a.logger.Info("markets loaded",
		"total", len(markets),
		"matching", len(filtered),
		"quote", a.opts.QuoteCurrency)
	return nil
}

func cacheKey(symbol string, kind models.MarketKind) string {
	return symbol + "|" + string(kind)
}

// market resolves a cached market by symbol and kind.
func (a *Adapter) market(symbol string, kind models.MarketKind) (models.Market, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.markets[cacheKey(symbol, kind)]
	return m, ok
}

// ListSymbols returns the cached unified symbols matching kind, sorted.
func (a *Adapter) ListSymbols(kind models.MarketKind) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []string
	for _, m := range a.markets {
		if m.Matches(kind) {
			out = append(out, m.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Collect runs one data type's collection. It is the scheduler's single
// entry point into the adapter.
func (a *Adapter) Collect(ctx context.Context, dataType models.DataType) error {
	switch dataType {
	case models.DataTradingPairs:
		return a.CollectTradingPairs(ctx)
	case models.DataSpot:
		return a.CollectSpotTickers(ctx)
	case models.DataPerpetual:
		return a.CollectPerpetualTickers(ctx)
	case models.DataOrderBook:
		return a.CollectOrderBooks(ctx)
	case models.DataFundingRate:
		return a.CollectFundingRates(ctx)
	}
	return apperrors.NewInvalidArgument("dataType", string(dataType), "unknown data type")
}

// CollectTradingPairs refreshes the market universe and upserts pair
// metadata. The refreshed cache also reports active pair counts to the
// status row, so later stages in the same cycle see a current symbol set.
func (a *Adapter) CollectTradingPairs(ctx context.Context) error {
	if err := a.refreshMarkets(ctx); err != nil {
		return a.fail(ctx, models.DataTradingPairs, err)
	}
	a.initialized.Store(true)

	a.mu.RLock()
	rows := make([]models.TradingPair, 0, len(a.markets))
	var spotCount, perpCount int64
	for _, m := range a.markets {
		pair := models.NewTradingPair(m)
		rows = append(rows, pair)
		if !pair.IsActive {
			continue
		}
		switch pair.Kind {
		case models.KindSpot:
			spotCount++
		case models.KindPerpetual:
			perpCount++
		}
	}
	a.mu.RUnlock()

	n, err := a.gateway.UpsertTradingPairs(ctx, a.name, rows)
	if err != nil {
		return a.fail(ctx, models.DataTradingPairs, err)
	}

	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:              models.StateActive,
		DataType:           models.DataTradingPairs,
		At:                 time.Now().UTC(),
		SpotPairCount:      &spotCount,
		PerpetualPairCount: &perpCount,
	})
	a.logger.Info("trading pairs collected", "rows", n, "spot", spotCount, "perpetual", perpCount)
	return nil
}

// CollectSpotTickers fetches all spot tickers in one batched request and
// upserts the rows. Tickers for symbols outside the cached universe are
// skipped rather than failing the batch.
func (a *Adapter) CollectSpotTickers(ctx context.Context) error {
	if !a.initialized.Load() {
		return a.fail(ctx, models.DataSpot, &apperrors.NotInitializedError{Exchange: a.name})
	}

	tickers, err := retry.Do(ctx, a.retrier, a.name+".spotTickers", func(ctx context.Context) (map[string]models.Ticker, error) {
		return a.conn.FetchTickers(ctx, models.KindSpot)
	})
	if err != nil {
		return a.fail(ctx, models.DataSpot, err)
	}

	rows := make([]models.SpotTicker, 0, len(tickers))
	for symbol, t := range tickers {
		m, ok := a.market(symbol, models.KindSpot)
		if !ok {
			continue
		}
		if anomalies := models.CheckTicker(t); len(anomalies) > 0 {
			a.logger.Warn("suspicious ticker data", "symbol", symbol, "anomalies", anomalies)
		}
		rows = append(rows, models.NewSpotTicker(m.Base, m.Quote, t))
	}

	n, err := a.gateway.UpsertSpotTickers(ctx, a.name, rows)
	if err != nil {
		return a.fail(ctx, models.DataSpot, err)
	}

	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:    models.StateActive,
		DataType: models.DataSpot,
		At:       time.Now().UTC(),
	})
	a.logger.Info("spot tickers collected", "rows", n)
	return nil
}

// CollectPerpetualTickers fetches all perpetual tickers and enriches them
// with a funding snapshot when the connector can provide one cheaply. A
// failed funding lookup degrades the rows, it does not fail the operation.
func (a *Adapter) CollectPerpetualTickers(ctx context.Context) error {
	if !a.initialized.Load() {
		return a.fail(ctx, models.DataPerpetual, &apperrors.NotInitializedError{Exchange: a.name})
	}

	tickers, err := retry.Do(ctx, a.retrier, a.name+".perpetualTickers", func(ctx context.Context) (map[string]models.Ticker, error) {
		return a.conn.FetchTickers(ctx, models.KindPerpetual)
	})
	if err != nil {
		return a.fail(ctx, models.DataPerpetual, err)
	}

	symbols := make([]string, 0, len(tickers))
	for symbol := range tickers {
		if _, ok := a.market(symbol, models.KindPerpetual); ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	funding, err := a.conn.FetchFundingRates(ctx, symbols)
	if err != nil {
		a.logger.Warn("funding enrichment unavailable", "error", err)
		funding = nil
	}

	rows := make([]models.PerpetualTicker, 0, len(symbols))
	for _, symbol := range symbols {
		m, _ := a.market(symbol, models.KindPerpetual)
		var fr *models.FundingRateInfo
		if f, ok := funding[symbol]; ok {
			fr = &f
		}
		if anomalies := models.CheckTicker(tickers[symbol]); len(anomalies) > 0 {
			a.logger.Warn("suspicious ticker data", "symbol", symbol, "anomalies", anomalies)
		}
		rows = append(rows, models.NewPerpetualTicker(m.Base, m.Quote, tickers[symbol], fr))
	}

	n, err := a.gateway.UpsertPerpetualTickers(ctx, a.name, rows)
	if err != nil {
		return a.fail(ctx, models.DataPerpetual, err)
	}

	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:    models.StateActive,
		DataType: models.DataPerpetual,
		At:       time.Now().UTC(),
	})
	a.logger.Info("perpetual tickers collected", "rows", n)
	return nil
}

// CollectOrderBooks snapshots depth for the top-volume symbols of each kind.
// Targets come from the stored tickers; on the first cycle, before any ticker
// rows exist, the cached market list seeds the selection instead.
func (a *Adapter) CollectOrderBooks(ctx context.Context) error {
	if !a.initialized.Load() {
		return a.fail(ctx, models.DataOrderBook, &apperrors.NotInitializedError{Exchange: a.name})
	}

	var levels []models.OrderBookLevel
	now := time.Now().UnixMilli()

	for _, kind := range []models.MarketKind{models.KindSpot, models.KindPerpetual} {
		symbols, err := a.gateway.TopSymbolsByVolume(ctx, a.name, kind, a.opts.OrderBookMaxSymbols)
		if err != nil {
			a.logger.Warn("volume ranking unavailable, using market list", "kind", kind, "error", err)
			symbols = nil
		}
		if len(symbols) == 0 {
			symbols = a.ListSymbols(kind)
			if len(symbols) > a.opts.OrderBookMaxSymbols {
				symbols = symbols[:a.opts.OrderBookMaxSymbols]
			}
		}
		if len(symbols) == 0 {
			continue
		}

		books, err := retry.Do(ctx, a.retrier, a.name+".orderBooks."+string(kind), func(ctx context.Context) (map[string]models.OrderBook, error) {
			return a.conn.FetchOrderBooks(ctx, symbols, kind, a.opts.OrderBookDepth)
		})
		if err != nil {
			return a.fail(ctx, models.DataOrderBook, err)
		}

		for _, book := range books {
			ts := book.Timestamp
			if ts == 0 {
				ts = now
			}
			levels = append(levels, models.FlattenOrderBook(book, kind, ts)...)
		}
	}

	n, err := a.gateway.ReplaceOrderBookLevels(ctx, a.name, levels)
	if err != nil {
		return a.fail(ctx, models.DataOrderBook, err)
	}

	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:    models.StateActive,
		DataType: models.DataOrderBook,
		At:       time.Now().UTC(),
	})
	a.logger.Info("order books collected", "levels", n)
	return nil
}

// CollectFundingRates fetches the current funding snapshot for every cached
// perpetual and appends period records.
func (a *Adapter) CollectFundingRates(ctx context.Context) error {
	if !a.initialized.Load() {
		return a.fail(ctx, models.DataFundingRate, &apperrors.NotInitializedError{Exchange: a.name})
	}

	rates, err := retry.Do(ctx, a.retrier, a.name+".fundingRates", func(ctx context.Context) (map[string]models.FundingRateInfo, error) {
		return a.conn.FetchFundingRates(ctx, nil)
	})
	if err != nil {
		return a.fail(ctx, models.DataFundingRate, err)
	}

	now := time.Now().UnixMilli()
	rows := make([]models.FundingRateRecord, 0, len(rates))
	for symbol, fr := range rates {
		if _, ok := a.market(symbol, models.KindPerpetual); !ok {
			continue
		}
		rows = append(rows, models.NewFundingRateRecord(fr, now))
	}

	n, err := a.gateway.InsertFundingRates(ctx, a.name, rows)
	if err != nil {
		return a.fail(ctx, models.DataFundingRate, err)
	}

	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:    models.StateActive,
		DataType: models.DataFundingRate,
		At:       time.Now().UTC(),
	})
	a.logger.Info("funding rates collected", "rows", n)
	return nil
}

// fail records the failure on the status row and wraps the cause. Status
// writes never mask the original error.
func (a *Adapter) fail(ctx context.Context, dataType models.DataType, err error) error {
	collErr := apperrors.NewCollectionError(a.name, string(dataType), a.retrier.MaxAttempts(), err)
	a.gateway.UpdateExchangeStatus(ctx, a.name, models.StatusUpdate{
		State:        models.StateError,
		ErrorMessage: collErr.Error(),
	})
	return collErr
}
