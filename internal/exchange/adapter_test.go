package exchange

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
	"github.com/tenthmarket/go-market-collector/internal/retry"
	"github.com/tenthmarket/go-market-collector/internal/storage"
)

// fakeConnector serves canned markets, tickers and books while counting
// upstream calls.
type fakeConnector struct {
	markets []models.Market
	tickers map[models.MarketKind]map[string]models.Ticker
	books   map[string]models.OrderBook
	funding map[string]models.FundingRateInfo

	loadErr   error
	tickerErr error

	loadCalls   atomic.Int64
	tickerCalls atomic.Int64
}

func (f *fakeConnector) Name() string { return "okx" }

func (f *fakeConnector) LoadMarkets(ctx context.Context) ([]models.Market, error) {
	f.loadCalls.Add(1)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.markets, nil
}

func (f *fakeConnector) FetchTickers(ctx context.Context, kind models.MarketKind) (map[string]models.Ticker, error) {
	f.tickerCalls.Add(1)
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return f.tickers[kind], nil
}

func (f *fakeConnector) FetchOrderBooks(ctx context.Context, symbols []string, kind models.MarketKind, depth int) (map[string]models.OrderBook, error) {
	out := make(map[string]models.OrderBook)
	for _, s := range symbols {
		if book, ok := f.books[s]; ok {
			out[s] = book
		}
	}
	return out, nil
}

func (f *fakeConnector) FetchFundingRates(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error) {
	return f.funding, nil
}

func testMarkets() []models.Market {
	return []models.Market{
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Active: true, Type: "spot"},
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", Active: true, Type: "spot"},
		{Symbol: "BTC/USDT:USDT", Base: "BTC", Quote: "USDT", Active: true, Type: "swap", Settle: "USDT", Linear: true},
		{Symbol: "BTC/USD", Base: "BTC", Quote: "USD", Active: true, Type: "spot"},   // wrong quote
		{Symbol: "BTC/USDT-251226", Base: "BTC", Quote: "USDT", Active: true, Type: "future", Expiry: 1766707200000}, // dated contract
	}
}

func newTestAdapter(t *testing.T, conn *fakeConnector) (*Adapter, *storage.MemoryGateway) {
	t.Helper()
	gw := storage.NewMemoryGateway()
	retrier := retry.New(3, time.Millisecond, nil)
	return New(conn, gw, retrier, Options{QuoteCurrency: "USDT", OrderBookMaxSymbols: 5}, nil), gw
}

func TestCollectBeforeInitializeFails(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeConnector{})
	err := a.CollectSpotTickers(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.NotInitializedError{})
	assert.ErrorIs(t, err, &apperrors.CollectionError{})
}

func TestInitializeFiltersQuoteCurrency(t *testing.T) {
	conn := &fakeConnector{markets: testMarkets()}
	a, _ := newTestAdapter(t, conn)
	require.NoError(t, a.Initialize(context.Background()))

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, a.ListSymbols(models.KindSpot))
	assert.Equal(t, []string{"BTC/USDT:USDT"}, a.ListSymbols(models.KindPerpetual))
	assert.Equal(t, []string{"BTC/USDT-251226"}, a.ListSymbols(models.KindFuture))
}

func TestCollectTradingPairsCountsActive(t *testing.T) {
	conn := &fakeConnector{markets: testMarkets()}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()

	require.NoError(t, a.CollectTradingPairs(ctx))
	assert.Equal(t, 4, gw.TradingPairCount("okx"), "USD-quoted market excluded")

	statuses, err := gw.GetExchangeStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.StateActive, statuses[0].State)
	assert.Equal(t, int64(2), statuses[0].ActiveSpotPairs.Int64)
	assert.Equal(t, int64(1), statuses[0].ActivePerpetualPairs.Int64)
	assert.True(t, statuses[0].LastPairsUpdate.Valid)
}

func TestCollectSpotSkipsUnknownSymbols(t *testing.T) {
	conn := &fakeConnector{
		markets: testMarkets(),
		tickers: map[models.MarketKind]map[string]models.Ticker{
			models.KindSpot: {
				"BTC/USDT": {Symbol: "BTC/USDT", Last: models.NullDecimalFromFloat(50000), Timestamp: 1},
				"XYZ/USDT": {Symbol: "XYZ/USDT", Timestamp: 1}, // not in market cache
			},
		},
	}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.CollectSpotTickers(ctx))

	stored, ok := gw.SpotTicker("okx", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "BTC", stored.BaseAsset)
	_, ok = gw.SpotTicker("okx", "XYZ/USDT")
	assert.False(t, ok, "ticker without a cached market is dropped")
}

func TestCollectSpotUsesOneBatchedRequest(t *testing.T) {
	conn := &fakeConnector{
		markets: testMarkets(),
		tickers: map[models.MarketKind]map[string]models.Ticker{
			models.KindSpot: {
				"BTC/USDT": {Symbol: "BTC/USDT", Timestamp: 1},
				"ETH/USDT": {Symbol: "ETH/USDT", Timestamp: 1},
			},
		},
	}
	a, _ := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.CollectSpotTickers(ctx))

	assert.Equal(t, int64(1), conn.tickerCalls.Load(), "all symbols resolved from one request")
}

func TestCollectPerpetualEnrichesFunding(t *testing.T) {
	conn := &fakeConnector{
		markets: testMarkets(),
		tickers: map[models.MarketKind]map[string]models.Ticker{
			models.KindPerpetual: {
				"BTC/USDT:USDT": {Symbol: "BTC/USDT:USDT", Last: models.NullDecimalFromFloat(50000), Timestamp: 1},
			},
		},
		funding: map[string]models.FundingRateInfo{
			"BTC/USDT:USDT": {
				Symbol:          "BTC/USDT:USDT",
				FundingRate:     models.NullDecimalFromFloat(0.0001),
				NextFundingTime: 1700000000000,
			},
		},
	}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.CollectPerpetualTickers(ctx))

	stored, ok := gw.PerpetualTicker("okx", "BTC/USDT:USDT")
	require.True(t, ok)
	assert.True(t, stored.FundingRate.Valid)
	assert.Equal(t, int64(1700000000000), stored.NextFundingTime.Int64)
	assert.True(t, stored.MarkPrice.Valid, "mark price falls back to last")
}

func TestCollectFailureUpdatesStatusAndWraps(t *testing.T) {
	conn := &fakeConnector{
		markets:   testMarkets(),
		tickerErr: apperrors.NewConnectivityError("okx", "/tickers", 503, assert.AnError),
	}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	err := a.CollectSpotTickers(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.CollectionError{})
	assert.ErrorIs(t, err, &apperrors.ConnectivityError{})
	assert.Equal(t, int64(3), conn.tickerCalls.Load(), "attempt budget is exactly three")

	statuses, _ := gw.GetExchangeStatuses(ctx)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.StateError, statuses[0].State)
}

func TestCollectOrderBooksFlattensAndReplaces(t *testing.T) {
	conn := &fakeConnector{
		markets: testMarkets(),
		books: map[string]models.OrderBook{
			"BTC/USDT": {
				Symbol:    "BTC/USDT",
				Bids:      []models.BookEntry{{Price: dec(50000), Amount: dec(1)}, {Price: dec(49999), Amount: dec(2)}},
				Asks:      []models.BookEntry{{Price: dec(50001), Amount: dec(1)}},
				Timestamp: 1,
			},
		},
	}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.CollectOrderBooks(ctx))

	levels := gw.OrderBookLevels("okx", "BTC/USDT", models.KindSpot)
	require.Len(t, levels, 3)
	assert.Equal(t, models.SideBid, levels[0].Side)
	assert.Equal(t, 0, levels[0].Rank)
}

func TestCollectFundingRatesAppendsRecords(t *testing.T) {
	conn := &fakeConnector{
		markets: testMarkets(),
		funding: map[string]models.FundingRateInfo{
			"BTC/USDT:USDT": {
				Symbol:      "BTC/USDT:USDT",
				FundingRate: models.NullDecimalFromFloat(0.0001),
				FundingTime: 1700000000000,
			},
			"XYZ/USDT:USDT": {Symbol: "XYZ/USDT:USDT", FundingTime: 1700000000000},
		},
	}
	a, gw := newTestAdapter(t, conn)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.CollectFundingRates(ctx))

	assert.Equal(t, 1, gw.FundingRateCount("okx"), "unknown perpetual dropped")
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
