package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/qgr/types"
)

func TestOpenOrdersFiltersOtherPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/private/openOrders", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"result": "true",
			"orders": [
				{"orderNumber": "101", "currencyPair": "btc_usdt", "type": "buy",
				 "rate": "99.50", "amount": "0.1", "filledAmount": "0",
				 "status": "open", "text": "t-abc"},
				{"orderNumber": "202", "currencyPair": "eth_usdt", "type": "sell",
				 "rate": "2000", "amount": "1", "filledAmount": "0",
				 "status": "open", "text": "t-def"}
			]
		}`))
	}))
	defer srv.Close()

	g := NewGateIO(srv.URL, "key", "secret")
	open, err := g.OpenOrders(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, open, 1, "other pairs' orders must not leak into the symbol's snapshot")
	assert.Equal(t, "101", open[0].ExchangeID)
	assert.Equal(t, "abc", open[0].ClientID)
	assert.Equal(t, "BTC/USDT", open[0].Symbol)
	assert.Equal(t, types.Buy, open[0].Side)
	assert.Equal(t, types.Acknowledged, open[0].Status)
	assert.True(t, open[0].Price.Equal(decimal.RequireFromString("99.50")))
}

func TestOpenOrdersEmptyForUntradedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"result": "true",
			"orders": [
				{"orderNumber": "202", "currencyPair": "eth_usdt", "type": "sell",
				 "rate": "2000", "amount": "1", "filledAmount": "0",
				 "status": "open", "text": "t-def"}
			]
		}`))
	}))
	defer srv.Close()

	g := NewGateIO(srv.URL, "key", "secret")
	open, err := g.OpenOrders(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRequestClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGateIO(srv.URL, "key", "secret")
	_, err := g.OpenOrders(context.Background(), "BTC/USDT")
	require.Error(t, err)
	hint, ok := RetryHint(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)
}

func TestRequestClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateIO(srv.URL, "key", "secret")
	_, err := g.OpenOrders(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestQueryOrderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": "false", "code": 17, "message": "invalid orderNumber"}`))
	}))
	defer srv.Close()

	g := NewGateIO(srv.URL, "key", "secret")
	_, err := g.QueryOrder(context.Background(), "BTC/USDT", "999")
	assert.Equal(t, ErrNotFound, err)
}
