package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

func TestTableName(t *testing.T) {
	tests := []struct {
		exchange string
		dataType string
		want     string
		wantErr  bool
	}{
		{"okx", "spot", "okx_spot_data", false},
		{"binance", "perpetual", "binance_perpetual_data", false},
		{"bybit", "orderbook", "bybit_orderbook_data", false},
		{"okx", "fundingRate", "okx_funding_rate_data", false},
		{"binance", "tradingPairs", "binance_trading_pairs", false},
		{"kraken", "spot", "", true},
		{"okx", "candles", "", true},
		{"okx; DROP TABLE", "spot", "", true},
	}

	for _, tt := range tests {
		got, err := TableName(tt.exchange, tt.dataType)
		if tt.wantErr {
			require.Error(t, err, "%s/%s", tt.exchange, tt.dataType)
			assert.ErrorIs(t, err, &apperrors.InvalidArgumentError{})
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	row := models.SpotTicker{Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		LastPrice: models.NullDecimalFromFloat(50000), Timestamp: 1}

	n, err := g.UpsertSpotTickers(ctx, "okx", []models.SpotTicker{row})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row.LastPrice = models.NullDecimalFromFloat(51000)
	row.Timestamp = 2
	_, err = g.UpsertSpotTickers(ctx, "okx", []models.SpotTicker{row})
	require.NoError(t, err)

	stored, ok := g.SpotTicker("okx", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, int64(2), stored.Timestamp, "second write overwrote the row")
}

func TestMemoryZeroRowsIsNoOp(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	n, err := g.UpsertSpotTickers(ctx, "okx", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = g.ReplaceOrderBookLevels(ctx, "okx", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryRejectsUnknownExchange(t *testing.T) {
	g := NewMemoryGateway()
	_, err := g.UpsertSpotTickers(context.Background(), "kraken", []models.SpotTicker{{Symbol: "X"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.InvalidArgumentError{})
}

func TestMemoryReplaceOrderBookPrunesStaleRanks(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	deep := make([]models.OrderBookLevel, 5)
	for i := range deep {
		deep[i] = models.OrderBookLevel{Symbol: "BTC/USDT", Kind: models.KindSpot, Side: models.SideBid, Rank: i}
	}
	_, err := g.ReplaceOrderBookLevels(ctx, "okx", deep)
	require.NoError(t, err)
	assert.Len(t, g.OrderBookLevels("okx", "BTC/USDT", models.KindSpot), 5)

	shallow := deep[:2]
	_, err = g.ReplaceOrderBookLevels(ctx, "okx", shallow)
	require.NoError(t, err)
	assert.Len(t, g.OrderBookLevels("okx", "BTC/USDT", models.KindSpot), 2,
		"shallower snapshot removed deeper ranks")
}

func TestMemoryFundingRatesAccumulate(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	first := models.FundingRateRecord{Symbol: "BTC/USDT:USDT", FundingTime: 100}
	second := models.FundingRateRecord{Symbol: "BTC/USDT:USDT", FundingTime: 200}

	_, err := g.InsertFundingRates(ctx, "okx", []models.FundingRateRecord{first})
	require.NoError(t, err)
	_, err = g.InsertFundingRates(ctx, "okx", []models.FundingRateRecord{second})
	require.NoError(t, err)
	assert.Equal(t, 2, g.FundingRateCount("okx"), "distinct periods accumulate")

	_, err = g.InsertFundingRates(ctx, "okx", []models.FundingRateRecord{second})
	require.NoError(t, err)
	assert.Equal(t, 2, g.FundingRateCount("okx"), "same period is deduplicated")
}

func TestMemoryStatusUpdates(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	at := time.Now()
	count := int64(120)
	g.UpdateExchangeStatus(ctx, "okx", models.StatusUpdate{
		State:         models.StateActive,
		DataType:      models.DataSpot,
		At:            at,
		SpotPairCount: &count,
	})

	statuses, err := g.GetExchangeStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	s := statuses[0]
	assert.Equal(t, models.StateActive, s.State)
	assert.True(t, s.LastSpotUpdate.Valid)
	assert.Equal(t, int64(120), s.ActiveSpotPairs.Int64)
	assert.False(t, s.ErrorMessage.Valid)

	g.UpdateExchangeStatus(ctx, "okx", models.StatusUpdate{
		State:        models.StateError,
		ErrorMessage: "fetch exploded",
	})
	statuses, err = g.GetExchangeStatuses(ctx)
	require.NoError(t, err)
	s = statuses[0]
	assert.Equal(t, models.StateError, s.State)
	assert.Equal(t, "fetch exploded", s.ErrorMessage.String)
	assert.True(t, s.LastSpotUpdate.Valid, "error keeps the last success timestamp")
}

func TestMemoryTopSymbolsByVolume(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	rows := []models.SpotTicker{
		{Symbol: "BTC/USDT", VolumeQuote24h: models.NullDecimalFromFloat(900)},
		{Symbol: "ETH/USDT", VolumeQuote24h: models.NullDecimalFromFloat(500)},
		{Symbol: "DOGE/USDT", VolumeQuote24h: models.NullDecimalFromFloat(1200)},
	}
	_, err := g.UpsertSpotTickers(ctx, "okx", rows)
	require.NoError(t, err)

	top, err := g.TopSymbolsByVolume(ctx, "okx", models.KindSpot, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE/USDT", "BTC/USDT"}, top)
}
