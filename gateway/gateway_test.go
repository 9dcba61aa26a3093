package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/types"
)

func TestErrorClassification(t *testing.T) {
	tr := Transient(errors.New("connection reset"))
	assert.True(t, IsTransient(tr))
	assert.True(t, Retryable(tr))

	rej := &RejectionError{Code: 400, Reason: "price out of range"}
	assert.True(t, IsRejection(rej))
	assert.False(t, Retryable(rej))

	rl := &RateLimitError{RetryAfter: 2 * time.Second}
	hint, ok := RetryHint(rl)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, hint)
	assert.True(t, Retryable(rl))

	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(nil))

	wrapped := errors.Wrap(Transient(errors.New("timeout")), "place")
	assert.True(t, IsTransient(wrapped))
}

func TestRetryStopsOnRejection(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), zap.NewNop().Sugar(), "place", func() error {
		calls++
		return &RejectionError{Code: 400, Reason: "bad qty"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "rejections are definitive")
}

func TestRetryExhaustsTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), zap.NewNop().Sugar(), "query", func() error {
		calls++
		return Transient(errors.New("eof"))
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetryRecovers(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), zap.NewNop().Sugar(), "query", func() error {
		calls++
		if calls < 2 {
			return Transient(errors.New("eof"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := policy.Do(ctx, zap.NewNop().Sugar(), "query", func() error {
		return Transient(errors.New("eof"))
	})
	assert.Equal(t, context.Canceled, err)
}

func TestLimiterOrderConsumesBothQuotas(t *testing.T) {
	lim := NewLimiter(LimiterConf{RequestsPerSecond: 1000, OrdersPerSecond: 1000, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lim.WaitRequest(ctx, "BTC/USDT"))
	require.NoError(t, lim.WaitOrder(ctx, "BTC/USDT"))
}

func TestLimiterPerSymbolShare(t *testing.T) {
	// one symbol at its share cap does not consume the other's slice
	lim := NewLimiter(LimiterConf{RequestsPerSecond: 1000, OrdersPerSecond: 1000, SymbolShare: 500, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, lim.WaitRequest(ctx, "BTC/USDT"))
		require.NoError(t, lim.WaitRequest(ctx, "ETH/USDT"))
	}
}

func simWithSymbol(t *testing.T) *Sim {
	t.Helper()
	sim := NewSim()
	sim.SetSymbol(types.Symbol{
		Symbol:          "BTC/USDT",
		BaseCurrency:    "BTC",
		QuoteCurrency:   "USDT",
		PricePrecision:  2,
		AmountPrecision: 4,
		MinAmount:       decimal.RequireFromString("0.0001"),
		MinTotal:        decimal.RequireFromString("1"),
	})
	sim.SetPrice("BTC/USDT", decimal.RequireFromString("100"))
	return sim
}

func TestSimPlaceIsIdempotent(t *testing.T) {
	sim := simWithSymbol(t)
	ctx := context.Background()

	id1, err := sim.PlaceOrder(ctx, "BTC/USDT", types.Buy,
		decimal.RequireFromString("99.50"), decimal.RequireFromString("0.1"), "client-1")
	require.NoError(t, err)
	id2, err := sim.PlaceOrder(ctx, "BTC/USDT", types.Buy,
		decimal.RequireFromString("99.50"), decimal.RequireFromString("0.1"), "client-1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same client id returns the original order")

	open, err := sim.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestSimCancelledOrderLeavesBook(t *testing.T) {
	sim := simWithSymbol(t)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, "BTC/USDT", types.Sell,
		decimal.RequireFromString("100.50"), decimal.RequireFromString("0.1"), "client-2")
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, "BTC/USDT", id))

	open, err := sim.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	ro, err := sim.QueryOrder(ctx, "BTC/USDT", id)
	require.NoError(t, err)
	assert.Equal(t, types.Cancelled, ro.Status)
}

func TestSimScriptedFailureConsumedOnce(t *testing.T) {
	sim := simWithSymbol(t)
	ctx := context.Background()

	sim.FailNext("place", Transient(errors.New("socket closed")))
	_, err := sim.PlaceOrder(ctx, "BTC/USDT", types.Buy,
		decimal.RequireFromString("99.00"), decimal.RequireFromString("0.1"), "client-3")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = sim.PlaceOrder(ctx, "BTC/USDT", types.Buy,
		decimal.RequireFromString("99.00"), decimal.RequireFromString("0.1"), "client-3")
	require.NoError(t, err)
}
