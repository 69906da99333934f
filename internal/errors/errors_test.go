package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatching(t *testing.T) {
	base := fmt.Errorf("connection refused")
	connErr := NewConnectivityError("okx", "/api/v5/market/tickers", 0, base)
	collErr := NewCollectionError("okx", "spot", 3, connErr)

	assert.True(t, stderrors.Is(collErr, &CollectionError{}))
	assert.True(t, stderrors.Is(collErr, &ConnectivityError{}), "wrapped category should match")
	assert.False(t, stderrors.Is(collErr, &PersistenceError{}))

	var ce *ConnectivityError
	require.True(t, stderrors.As(collErr, &ce))
	assert.Equal(t, "okx", ce.Exchange)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid argument", NewInvalidArgument("dataType", "candles", "unknown data type"), false},
		{"not initialized", &NotInitializedError{Exchange: "bybit"}, false},
		{"transport failure", NewConnectivityError("okx", "/tickers", 0, fmt.Errorf("connection reset")), true},
		{"server error", NewConnectivityError("okx", "/tickers", 503, fmt.Errorf("service unavailable")), true},
		{"rate limited", NewConnectivityError("binance", "/ticker/24hr", 429, fmt.Errorf("too many requests")), true},
		{"client error", NewConnectivityError("binance", "/ticker/24hr", 400, fmt.Errorf("bad symbol")), false},
		{"unauthorized", NewConnectivityError("bybit", "/v5/market/tickers", 401, fmt.Errorf("unauthorized")), false},
		{"plain timeout", fmt.Errorf("context deadline exceeded"), true},
		{"plain logic error", fmt.Errorf("nothing to collect"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := NewCollectionError("okx", "fundingRate", 3, fmt.Errorf("boom"))
	assert.Contains(t, err.Error(), "okx")
	assert.Contains(t, err.Error(), "fundingRate")
	assert.Contains(t, err.Error(), "3 attempts")

	pe := NewPersistenceError("okx_spot_data", "upsert", fmt.Errorf("constraint"))
	assert.Contains(t, pe.Error(), "okx_spot_data")
	assert.ErrorContains(t, pe, "constraint")
}
