package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

type okxTestServer struct {
	*httptest.Server
	fundingCalls atomic.Int64
}

func newOKXTestServer(t *testing.T) *okxTestServer {
	t.Helper()
	srv := &okxTestServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v5/public/instruments", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("instType") {
		case "SPOT":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT","instType":"SPOT","baseCcy":"BTC","quoteCcy":"USDT","state":"live","tickSz":"0.1","lotSz":"0.0001","minSz":"0.0001"},
				{"instId":"ETH-BTC","instType":"SPOT","baseCcy":"ETH","quoteCcy":"BTC","state":"live","tickSz":"0.00001","lotSz":"0.001","minSz":"0.001"}]}`))
		case "SWAP":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT-SWAP","instType":"SWAP","uly":"BTC-USDT","settleCcy":"USDT","ctVal":"0.01","ctType":"linear","state":"live","tickSz":"0.1","lotSz":"1","minSz":"1"}]}`))
		default:
			w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
		}
	})

	mux.HandleFunc("/api/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instType") == "SPOT" {
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT","last":"50000","bidPx":"49999","bidSz":"2","askPx":"50001","askSz":"1","open24h":"48000","high24h":"51000","low24h":"47500","vol24h":"1200","volCcy24h":"60000000","ts":"1700000000000"}]}`))
			return
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","last":"50010","bidPx":"50009","askPx":"50011","open24h":"48100","high24h":"51010","low24h":"47600","vol24h":"500000","volCcy24h":"5000","ts":"1700000000000"}]}`))
	})

	mux.HandleFunc("/api/v5/market/books", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"bids":[["49999","1.5","0","3"],["49998","2","0","1"]],"asks":[["50001","0.7","0","2"]],"ts":"1700000001000"}]}`))
	})

	mux.HandleFunc("/api/v5/public/funding-rate", func(w http.ResponseWriter, r *http.Request) {
		srv.fundingCalls.Add(1)
		assert.Equal(t, "ANY", r.URL.Query().Get("instId"))
		// DOGE-USDT-SWAP is not a loaded instrument and must be dropped
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001","fundingTime":"1700006400000","nextFundingTime":"1700035200000"},
			{"instId":"DOGE-USDT-SWAP","fundingRate":"0.0002","fundingTime":"1700006400000","nextFundingTime":"1700035200000"}]}`))
	})

	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOKXLoadMarkets(t *testing.T) {
	srv := newOKXTestServer(t)
	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)

	markets, err := okx.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 3)

	bySymbol := make(map[string]models.Market)
	for _, m := range markets {
		bySymbol[m.Symbol] = m
	}

	spot := bySymbol["BTC/USDT"]
	assert.Equal(t, models.KindSpot, spot.Classify())
	assert.Equal(t, int32(1), spot.PricePrecision)
	assert.Equal(t, int32(4), spot.AmountPrecision)
	assert.True(t, spot.Active)

	perp := bySymbol["BTC/USDT:USDT"]
	assert.Equal(t, models.KindPerpetual, perp.Classify())
	assert.True(t, perp.Linear)
	require.True(t, perp.ContractSize.Valid)
	assert.Equal(t, "0.01", perp.ContractSize.Decimal.String())
}

func TestOKXFetchTickers(t *testing.T) {
	srv := newOKXTestServer(t)
	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)
	_, err = okx.LoadMarkets(context.Background())
	require.NoError(t, err)

	tickers, err := okx.FetchTickers(context.Background(), models.KindSpot)
	require.NoError(t, err)
	require.Len(t, tickers, 1)

	tk := tickers["BTC/USDT"]
	assert.Equal(t, "50000", tk.Last.Decimal.String())
	assert.Equal(t, "49999", tk.Bid.Decimal.String())
	require.True(t, tk.Change.Valid, "change derived from open24h")
	assert.Equal(t, "2000", tk.Change.Decimal.String())
	assert.Equal(t, int64(1700000000000), tk.Timestamp)
}

func TestOKXFetchOrderBooks(t *testing.T) {
	srv := newOKXTestServer(t)
	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)
	_, err = okx.LoadMarkets(context.Background())
	require.NoError(t, err)

	books, err := okx.FetchOrderBooks(context.Background(), []string{"BTC/USDT", "UNKNOWN/PAIR"}, models.KindSpot, 20)
	require.NoError(t, err)
	require.Len(t, books, 1, "unknown symbols are skipped")

	book := books["BTC/USDT"]
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, "49999", book.Bids[0].Price.String())
	assert.Equal(t, int64(1700000001000), book.Timestamp)
}

func TestOKXFetchFundingRatesDefaultsToAllPerpetuals(t *testing.T) {
	srv := newOKXTestServer(t)
	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)
	_, err = okx.LoadMarkets(context.Background())
	require.NoError(t, err)

	rates, err := okx.FetchFundingRates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, rates, 1, "rates for instruments outside the market universe are dropped")
	assert.Equal(t, int64(1), srv.fundingCalls.Load(), "all rates arrive in one batched request")

	fr := rates["BTC/USDT:USDT"]
	assert.True(t, fr.FundingRate.Decimal.Equal(decimal.RequireFromString("0.0001")))
	assert.Equal(t, int64(1700006400000), fr.FundingTime)
}

func TestOKXFetchFundingRatesFallsBackPerInstrument(t *testing.T) {
	var perInstCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/instruments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instType") == "SWAP" {
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT-SWAP","instType":"SWAP","uly":"BTC-USDT","settleCcy":"USDT","ctVal":"0.01","ctType":"linear","state":"live","tickSz":"0.1","lotSz":"1","minSz":"1"}]}`))
			return
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	})
	mux.HandleFunc("/api/v5/public/funding-rate", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instId") == "ANY" {
			w.Write([]byte(`{"code":"51000","msg":"parameter instId error","data":[]}`))
			return
		}
		perInstCalls.Add(1)
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","fundingRate":"0.0003","fundingTime":"1700006400000","nextFundingTime":"1700035200000"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)
	_, err = okx.LoadMarkets(context.Background())
	require.NoError(t, err)

	rates, err := okx.FetchFundingRates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, int64(1), perInstCalls.Load())
	assert.True(t, rates["BTC/USDT:USDT"].FundingRate.Decimal.Equal(decimal.RequireFromString("0.0003")))
}

func TestOKXAPIErrorSurfacesAsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"rate limit reached","data":[]}`))
	}))
	t.Cleanup(srv.Close)

	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)

	_, err = okx.LoadMarkets(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, &apperrors.ConnectivityError{})
}

func TestClientHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	okx, err := NewOKX(ClientOptions{}, srv.URL)
	require.NoError(t, err)

	_, err = okx.LoadMarkets(context.Background())
	require.Error(t, err)

	var ce *apperrors.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
	assert.True(t, apperrors.IsRetryable(err))
}
