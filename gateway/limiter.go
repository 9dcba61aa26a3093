package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConf sizes the shared limiter to the exchange's global request
// and order-submission quotas. SymbolShare caps any single symbol's
// request rate so one busy symbol cannot starve the others.
type LimiterConf struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	OrdersPerSecond   float64 `json:"ordersPerSecond"`
	SymbolShare       float64 `json:"symbolShare"` // per-symbol requests/s
	Burst             int     `json:"burst"`
}

func (c LimiterConf) withDefaults() LimiterConf {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.OrdersPerSecond <= 0 {
		c.OrdersPerSecond = 5
	}
	if c.SymbolShare <= 0 || c.SymbolShare > c.RequestsPerSecond {
		c.SymbolShare = c.RequestsPerSecond / 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Limiter is shared by every symbol task. Callers first pass their own
// symbol's slice, then the global quota, which keeps queueing fair.
type Limiter struct {
	conf     LimiterConf
	requests *rate.Limiter
	orders   *rate.Limiter

	mu      sync.Mutex
	symbols map[string]*rate.Limiter
}

func NewLimiter(conf LimiterConf) *Limiter {
	conf = conf.withDefaults()
	return &Limiter{
		conf:     conf,
		requests: rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), conf.Burst),
		orders:   rate.NewLimiter(rate.Limit(conf.OrdersPerSecond), conf.Burst),
		symbols:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) symbol(symbol string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.symbols[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.conf.SymbolShare), l.conf.Burst)
		l.symbols[symbol] = lim
	}
	return lim
}

// WaitRequest blocks until a read request may be sent.
func (l *Limiter) WaitRequest(ctx context.Context, symbol string) error {
	if err := l.symbol(symbol).Wait(ctx); err != nil {
		return err
	}
	return l.requests.Wait(ctx)
}

// WaitOrder blocks until an order mutation (place/cancel) may be sent.
// Order calls consume both the order and the request quota.
func (l *Limiter) WaitOrder(ctx context.Context, symbol string) error {
	if err := l.symbol(symbol).Wait(ctx); err != nil {
		return err
	}
	if err := l.orders.Wait(ctx); err != nil {
		return err
	}
	return l.requests.Wait(ctx)
}
