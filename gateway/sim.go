package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgrid/qgr/types"
)

// Sim is an in-memory exchange used for paper trading and tests. It
// honors idempotency keys the way the real gateway contract requires:
// placing twice with the same client id returns the original order.
// Test hooks can script failures, fills, drops, and externally placed
// orders.
type Sim struct {
	mu       sync.Mutex
	symbols  map[string]types.Symbol
	prices   map[string]decimal.Decimal
	candles  map[string][]float64
	balances map[string]decimal.Decimal

	orders   map[string]*simOrder // by exchange id
	byClient map[string]string    // client id -> exchange id
	nextID   int

	failures map[string][]error // op -> scripted errors, consumed FIFO

	PlaceCalls  int
	CancelCalls int
}

type simOrder struct {
	ro      types.RemoteOrder
	dropped bool // invisible to OpenOrders and QueryOrder
}

func NewSim() *Sim {
	return &Sim{
		symbols:  make(map[string]types.Symbol),
		prices:   make(map[string]decimal.Decimal),
		candles:  make(map[string][]float64),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
		failures: make(map[string][]error),
	}
}

func (s *Sim) SetSymbol(sym types.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[sym.Symbol] = sym
}

func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *Sim) SetCandles(symbol string, closes []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol] = closes
}

func (s *Sim) SetBalance(currency string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[currency] = amount
}

// FailNext scripts an error for the next call of op ("place", "cancel",
// "query", "open", "price", "account"). Multiple errors queue up.
func (s *Sim) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

func (s *Sim) takeFailure(op string) error {
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.failures[op] = q[1:]
	return err
}

// Fill marks an open order (partially) filled at its limit price.
func (s *Sim) Fill(exchangeID string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeID]
	if !ok {
		return
	}
	o.ro.FilledQty = o.ro.FilledQty.Add(qty)
	if o.ro.FilledQty.GreaterThanOrEqual(o.ro.Quantity) {
		o.ro.FilledQty = o.ro.Quantity
		o.ro.Status = types.Filled
	} else {
		o.ro.Status = types.PartiallyFilled
	}
}

// FillByClient fills the order placed under clientID completely.
func (s *Sim) FillByClient(clientID string) {
	s.mu.Lock()
	id, ok := s.byClient[clientID]
	s.mu.Unlock()
	if ok {
		if o := s.order(id); o != nil {
			s.Fill(id, o.Quantity)
		}
	}
}

func (s *Sim) order(exchangeID string) *types.RemoteOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[exchangeID]; ok {
		ro := o.ro
		return &ro
	}
	return nil
}

// Drop hides an order from snapshots and queries, simulating an order
// the exchange lost (or a hard divergence).
func (s *Sim) Drop(exchangeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[exchangeID]; ok {
		o.dropped = true
	}
}

// CancelRemote cancels an order out from under the engine.
func (s *Sim) CancelRemote(exchangeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[exchangeID]; ok && !o.ro.Status.Terminal() {
		o.ro.Status = types.Cancelled
	}
}

// AddExternal injects an order placed outside the engine.
func (s *Sim) AddExternal(ro types.RemoteOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ro.ExchangeID == "" {
		s.nextID++
		ro.ExchangeID = fmt.Sprintf("ext-%d", s.nextID)
	}
	s.orders[ro.ExchangeID] = &simOrder{ro: ro}
}

// ExchangeID reports the id assigned to a client order id.
func (s *Sim) ExchangeID(clientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byClient[clientID]
}

func (s *Sim) GetSymbol(ctx context.Context, symbol string) (types.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbols[symbol]
	if !ok {
		return types.Symbol{}, &RejectionError{Code: 404, Reason: "unknown symbol " + symbol}
	}
	return sym, nil
}

func (s *Sim) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("price"); err != nil {
		return decimal.Zero, err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, Transient(fmt.Errorf("no price for %s", symbol))
	}
	return p, nil
}

func (s *Sim) Candles(ctx context.Context, symbol string, period time.Duration, size int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closes := s.candles[symbol]
	if len(closes) > size {
		closes = closes[len(closes)-size:]
	}
	out := make([]float64, len(closes))
	copy(out, closes)
	return out, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, symbol string, side types.Side, price, qty decimal.Decimal, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlaceCalls++
	if err := s.takeFailure("place"); err != nil {
		return "", err
	}
	// idempotent replay
	if id, ok := s.byClient[clientID]; ok {
		return id, nil
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return "", &RejectionError{Code: 400, Reason: "invalid price or quantity"}
	}
	s.nextID++
	id := fmt.Sprintf("sim-%d", s.nextID)
	s.orders[id] = &simOrder{ro: types.RemoteOrder{
		ExchangeID: id,
		ClientID:   clientID,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Status:     types.Acknowledged,
	}}
	s.byClient[clientID] = id
	return id, nil
}

func (s *Sim) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	if err := s.takeFailure("cancel"); err != nil {
		return err
	}
	o, ok := s.orders[exchangeID]
	if !ok || o.dropped {
		return ErrNotFound
	}
	if !o.ro.Status.Terminal() {
		o.ro.Status = types.Cancelled
	}
	return nil
}

func (s *Sim) QueryOrder(ctx context.Context, symbol, exchangeID string) (types.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("query"); err != nil {
		return types.RemoteOrder{}, err
	}
	o, ok := s.orders[exchangeID]
	if !ok || o.dropped {
		return types.RemoteOrder{}, ErrNotFound
	}
	return o.ro, nil
}

func (s *Sim) OpenOrders(ctx context.Context, symbol string) ([]types.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("open"); err != nil {
		return nil, err
	}
	var out []types.RemoteOrder
	for _, o := range s.orders {
		if o.dropped || o.ro.Status.Terminal() {
			continue
		}
		if symbol != "" && o.ro.Symbol != symbol {
			continue
		}
		out = append(out, o.ro)
	}
	return out, nil
}

func (s *Sim) AccountSnapshot(ctx context.Context) (types.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("account"); err != nil {
		return types.AccountSnapshot{}, err
	}
	balances := make(map[string]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	return types.AccountSnapshot{Balances: balances}, nil
}
