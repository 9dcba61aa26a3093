// Package capital owns the shared pool of funds. Per-layer budgets and
// locked notionals are mutated only through the pool's methods, each an
// atomic read-modify-write under one lock, so no symbol ever observes a
// transient over-allocated state.
package capital

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/metrics"
	"github.com/quantgrid/qgr/types"
)

// ErrExhausted rejects an intent whose notional does not fit the layer
// budget. It is surfaced to the caller and never retried silently.
var ErrExhausted = errors.New("capital: layer budget exhausted")

// LayerBudgets maps layer to allocated quote-currency budget.
type LayerBudgets map[types.LayerKind]decimal.Decimal

func (b LayerBudgets) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range b {
		sum = sum.Add(v)
	}
	return sum
}

// Pool tracks total balance, per-symbol per-layer budgets, and locked
// resting notional.
type Pool struct {
	sugar *zap.SugaredLogger

	mu     sync.Mutex
	total  decimal.Decimal
	budget map[string]LayerBudgets
	locked map[string]map[types.LayerKind]decimal.Decimal
}

func NewPool(total decimal.Decimal, sugar *zap.SugaredLogger) *Pool {
	return &Pool{
		sugar:  sugar,
		total:  total,
		budget: make(map[string]LayerBudgets),
		locked: make(map[string]map[types.LayerKind]decimal.Decimal),
	}
}

func (p *Pool) Total() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// SetTotal updates the pool size from an account snapshot.
func (p *Pool) SetTotal(total decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
}

// Admit registers a symbol with its initial layer budgets. The sum of
// all budgets across symbols may never exceed the pool.
func (p *Pool) Admit(symbol string, budgets LayerBudgets) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	allocated := budgets.Total()
	for sym, b := range p.budget {
		if sym != symbol {
			allocated = allocated.Add(b.Total())
		}
	}
	if allocated.GreaterThan(p.total) {
		return errors.Errorf("capital: admitting %s needs %s, pool is %s", symbol, allocated, p.total)
	}
	cp := make(LayerBudgets, len(budgets))
	for k, v := range budgets {
		cp[k] = v
	}
	p.budget[symbol] = cp
	if p.locked[symbol] == nil {
		p.locked[symbol] = make(map[types.LayerKind]decimal.Decimal)
	}
	return nil
}

// Remove drops a symbol from the pool, returning its budget to the
// unallocated remainder. Locked notional must already be zero.
func (p *Pool) Remove(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for layer, locked := range p.locked[symbol] {
		if locked.IsPositive() {
			return errors.Errorf("capital: %s still locks %s in %s", symbol, locked, layer)
		}
	}
	delete(p.budget, symbol)
	delete(p.locked, symbol)
	return nil
}

// Reserve locks notional against a layer budget. Check and lock are one
// atomic step.
func (p *Pool) Reserve(symbol string, layer types.LayerKind, notional decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	budget := p.budget[symbol][layer]
	locked := p.locked[symbol][layer]
	if locked.Add(notional).GreaterThan(budget) {
		return errors.Wrapf(ErrExhausted, "%s/%s: locked %s + %s > budget %s",
			symbol, layer, locked, notional, budget)
	}
	p.locked[symbol][layer] = locked.Add(notional)
	p.gauge(symbol, layer)
	return nil
}

// Release frees notional previously reserved (order filled, cancelled,
// rejected, or orphan-archived).
func (p *Pool) Release(symbol string, layer types.LayerKind, notional decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	locked := p.locked[symbol][layer].Sub(notional)
	if locked.IsNegative() {
		p.sugar.Errorw("capital release below zero, clamping",
			"symbol", symbol, "layer", layer, "notional", notional.String())
		locked = decimal.Zero
	}
	p.locked[symbol][layer] = locked
	p.gauge(symbol, layer)
}

func (p *Pool) gauge(symbol string, layer types.LayerKind) {
	budget := p.budget[symbol][layer]
	if budget.IsPositive() {
		util, _ := p.locked[symbol][layer].Div(budget).Float64()
		metrics.LayerUtilization.WithLabelValues(symbol, string(layer)).Set(util)
	}
}

// Utilization returns locked/budget for one layer, zero when the layer
// has no budget.
func (p *Pool) Utilization(symbol string, layer types.LayerKind) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	budget := p.budget[symbol][layer]
	if !budget.IsPositive() {
		return decimal.Zero
	}
	return p.locked[symbol][layer].Div(budget)
}

// Budget returns the layer's allocated budget.
func (p *Pool) Budget(symbol string, layer types.LayerKind) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget[symbol][layer]
}

// Locked returns the layer's resting notional.
func (p *Pool) Locked(symbol string, layer types.LayerKind) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked[symbol][layer]
}

// SetBudgets swaps budgets for all listed symbols in one atomic step.
// A target below the currently locked notional is clamped up to it so
// the locked ≤ budget invariant holds at every observable instant.
func (p *Pool) SetBudgets(next map[string]LayerBudgets) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	adjusted := make(map[string]LayerBudgets, len(next))
	allocated := decimal.Zero
	for sym, budgets := range p.budget {
		if _, ok := next[sym]; !ok {
			allocated = allocated.Add(budgets.Total())
		}
	}
	for sym, budgets := range next {
		cp := make(LayerBudgets, len(budgets))
		for layer, b := range budgets {
			if locked := p.locked[sym][layer]; b.LessThan(locked) {
				p.sugar.Warnw("budget target below locked notional, clamping",
					"symbol", sym, "layer", layer,
					"target", b.String(), "locked", locked.String())
				b = locked
			}
			cp[layer] = b
		}
		allocated = allocated.Add(cp.Total())
		adjusted[sym] = cp
	}
	if allocated.GreaterThan(p.total) {
		return errors.Errorf("capital: rebalance would allocate %s of %s", allocated, p.total)
	}
	for sym, budgets := range adjusted {
		p.budget[sym] = budgets
		for layer := range budgets {
			p.gauge(sym, layer)
		}
	}
	return nil
}

// LayerStatus is the externally visible state of one layer.
type LayerStatus struct {
	Budget      decimal.Decimal `json:"budget"`
	Locked      decimal.Decimal `json:"locked"`
	Utilization decimal.Decimal `json:"utilization"`
}

// Snapshot returns a consistent copy of the pool state.
func (p *Pool) Snapshot() map[string]map[types.LayerKind]LayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[types.LayerKind]LayerStatus, len(p.budget))
	for sym, budgets := range p.budget {
		out[sym] = make(map[types.LayerKind]LayerStatus, len(budgets))
		for layer, b := range budgets {
			locked := p.locked[sym][layer]
			util := decimal.Zero
			if b.IsPositive() {
				util = locked.Div(b)
			}
			out[sym][layer] = LayerStatus{Budget: b, Locked: locked, Utilization: util}
		}
	}
	return out
}

// Symbols lists admitted symbols.
func (p *Pool) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.budget))
	for sym := range p.budget {
		out = append(out, sym)
	}
	return out
}
