package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenthmarket/go-market-collector/internal/config"
	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
	"github.com/tenthmarket/go-market-collector/internal/scheduler"
)

type fakeService struct {
	status     scheduler.Status
	statusErr  error
	collectErr error
	lastTarget string
}

func (f *fakeService) GetStatus(ctx context.Context) (scheduler.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeService) ManualCollect(exchange string) (string, error) {
	f.lastTarget = exchange
	if f.collectErr != nil {
		return "", f.collectErr
	}
	return "run-123", nil
}

func newTestServer(svc Service) *httptest.Server {
	s := New(config.APISettings{Host: "127.0.0.1", Port: 0}, svc, nil)
	return httptest.NewServer(s.Handler())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(&fakeService{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{
		status: scheduler.Status{
			Running:   true,
			TotalRuns: 7,
			Exchanges: []models.ExchangeStatus{{Exchange: "okx", State: models.StateActive}},
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got scheduler.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Running)
	assert.Equal(t, int64(7), got.TotalRuns)
	require.Len(t, got.Exchanges, 1)
	assert.Equal(t, "okx", got.Exchanges[0].Exchange)
}

func TestExchangeStatusEndpoint(t *testing.T) {
	svc := &fakeService{
		status: scheduler.Status{
			Exchanges: []models.ExchangeStatus{
				{Exchange: "okx", State: models.StateActive},
				{Exchange: "bybit", State: models.StateError},
			},
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status/bybit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.ExchangeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bybit", got.Exchange)
	assert.Equal(t, models.StateError, got.State)

	resp, err = http.Get(ts.URL + "/api/status/kraken")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCollectTrigger(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/collect", "application/json",
		strings.NewReader(`{"exchange":"binance"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got collectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "run-123", got.RunID)
	assert.Equal(t, "binance", svc.lastTarget)
}

func TestCollectUnknownExchange(t *testing.T) {
	svc := &fakeService{
		collectErr: apperrors.NewInvalidArgument("exchange", "kraken", "not an enabled exchange"),
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/collect?exchange=kraken", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollectWhileRunningConflicts(t *testing.T) {
	svc := &fakeService{
		collectErr: apperrors.NewInvalidArgument("run", "manual", "a collection cycle is already in progress"),
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/collect", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
