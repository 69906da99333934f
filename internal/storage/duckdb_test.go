package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenthmarket/go-market-collector/internal/models"
)

func newTestGateway(t *testing.T) *DuckDBGateway {
	t.Helper()
	g, err := NewDuckDBGateway(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	require.NoError(t, g.Initialize(context.Background()))
	return g
}

func TestDuckDBSpotUpsertOverwrites(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	row := models.SpotTicker{
		Symbol:     "BTC/USDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		LastPrice:  models.NullDecimalFromFloat(50000),
		Timestamp:  1,
		RawData:    []byte(`{"src":"test"}`),
	}

	n, err := g.UpsertSpotTickers(ctx, "okx", []models.SpotTicker{row})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row.LastPrice = models.NullDecimalFromFloat(51000)
	row.Timestamp = 2
	_, err = g.UpsertSpotTickers(ctx, "okx", []models.SpotTicker{row})
	require.NoError(t, err)

	var count int
	require.NoError(t, g.db.QueryRow("SELECT count(*) FROM okx_spot_data").Scan(&count))
	assert.Equal(t, 1, count, "upsert does not duplicate the natural key")

	var ts int64
	require.NoError(t, g.db.QueryRow("SELECT timestamp FROM okx_spot_data WHERE symbol = 'BTC/USDT'").Scan(&ts))
	assert.Equal(t, int64(2), ts)
}

func TestDuckDBNullNumericRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	row := models.SpotTicker{Symbol: "NEW/USDT", BaseAsset: "NEW", QuoteAsset: "USDT", Timestamp: 1}
	_, err := g.UpsertSpotTickers(ctx, "okx", []models.SpotTicker{row})
	require.NoError(t, err)

	var nulls int
	require.NoError(t, g.db.QueryRow(
		"SELECT count(*) FROM okx_spot_data WHERE symbol = 'NEW/USDT' AND last_price IS NULL AND bid_price IS NULL").Scan(&nulls))
	assert.Equal(t, 1, nulls, "absent numerics persist as NULL, not zero")
}

func TestDuckDBOrderBookReplace(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	book := models.OrderBook{
		Symbol: "BTC/USDT",
		Bids:   []models.BookEntry{entry("50000", "1"), entry("49999", "2"), entry("49998", "3")},
		Asks:   []models.BookEntry{entry("50001", "1")},
	}
	levels := models.FlattenOrderBook(book, models.KindSpot, 1)

	n, err := g.ReplaceOrderBookLevels(ctx, "bybit", levels)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// shallower snapshot must prune the deeper bid ranks
	book.Bids = book.Bids[:1]
	levels = models.FlattenOrderBook(book, models.KindSpot, 2)
	_, err = g.ReplaceOrderBookLevels(ctx, "bybit", levels)
	require.NoError(t, err)

	var count int
	require.NoError(t, g.db.QueryRow(
		"SELECT count(*) FROM bybit_orderbook_data WHERE symbol = 'BTC/USDT'").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestDuckDBFundingRatesAccumulate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	recs := []models.FundingRateRecord{
		{Symbol: "BTC/USDT:USDT", FundingTime: 100, Timestamp: 100},
		{Symbol: "BTC/USDT:USDT", FundingTime: 200, Timestamp: 200},
	}
	_, err := g.InsertFundingRates(ctx, "binance", recs)
	require.NoError(t, err)

	// re-collecting a known period updates instead of duplicating
	_, err = g.InsertFundingRates(ctx, "binance", recs[1:])
	require.NoError(t, err)

	var count int
	require.NoError(t, g.db.QueryRow("SELECT count(*) FROM binance_funding_rate_data").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestDuckDBStatusLifecycle(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	pairCount := int64(42)
	g.UpdateExchangeStatus(ctx, "okx", models.StatusUpdate{
		State:         models.StateActive,
		DataType:      models.DataSpot,
		At:            time.Now(),
		SpotPairCount: &pairCount,
	})
	g.UpdateExchangeStatus(ctx, "okx", models.StatusUpdate{
		State:        models.StateError,
		ErrorMessage: "timeout",
	})

	statuses, err := g.GetExchangeStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	s := statuses[0]
	assert.Equal(t, models.StateError, s.State)
	assert.Equal(t, "timeout", s.ErrorMessage.String)
	assert.True(t, s.LastSpotUpdate.Valid, "error preserves last success timestamp")
	assert.Equal(t, int64(42), s.ActiveSpotPairs.Int64)
}

func TestDuckDBStatusUnknownExchangeIsSwallowed(t *testing.T) {
	g := newTestGateway(t)

	// must not panic or error; status writes never fail the caller
	g.UpdateExchangeStatus(context.Background(), "kraken", models.StatusUpdate{State: models.StateActive})

	statuses, err := g.GetExchangeStatuses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestDuckDBTopSymbolsByVolume(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rows := []models.SpotTicker{
		{Symbol: "A/USDT", VolumeQuote24h: models.NullDecimalFromFloat(10), Timestamp: 1},
		{Symbol: "B/USDT", VolumeQuote24h: models.NullDecimalFromFloat(30), Timestamp: 1},
		{Symbol: "C/USDT", Timestamp: 1},
	}
	_, err := g.UpsertSpotTickers(ctx, "okx", rows)
	require.NoError(t, err)

	top, err := g.TopSymbolsByVolume(ctx, "okx", models.KindSpot, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B/USDT", "A/USDT"}, top)
}

func entry(price, amount string) models.BookEntry {
	return models.BookEntry{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}
