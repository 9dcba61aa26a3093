// Package gateway defines the exchange contract the engine trades
// through, the error taxonomy for everything that can go wrong on the
// wire, and the shared retry/rate-limit plumbing every exchange call
// goes through.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgrid/qgr/types"
)

// Gateway is the exchange connectivity contract. PlaceOrder must honor
// the client-assigned id as an idempotency key: retrying a submission
// with the same id after a dropped response never creates a second
// order.
type Gateway interface {
	GetSymbol(ctx context.Context, symbol string) (types.Symbol, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol string, period time.Duration, size int) ([]float64, error)

	PlaceOrder(ctx context.Context, symbol string, side types.Side, price, qty decimal.Decimal, clientID string) (string, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
	QueryOrder(ctx context.Context, symbol, exchangeID string) (types.RemoteOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.RemoteOrder, error)
	AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error)
}
