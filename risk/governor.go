// Package risk watches equity, per-symbol PnL, and reconciliation
// health, and gates every order submission. Halts are never silent:
// each carries a cause and timestamp, is logged, published to the event
// hub, and visible in snapshots.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/metrics"
	"github.com/quantgrid/qgr/report"
	"github.com/quantgrid/qgr/types"
)

type State int

const (
	Running State = iota
	Warning
	Halted
)

func (s State) String() string {
	switch s {
	case Warning:
		return "WARNING"
	case Halted:
		return "HALTED"
	default:
		return "RUNNING"
	}
}

type Cause string

const (
	CauseNone       Cause = ""
	CauseDrawdown   Cause = "max_drawdown"
	CauseStopLoss   Cause = "stop_loss"
	CauseDailyLoss  Cause = "daily_loss_limit"
	CauseBreaker    Cause = "circuit_breaker"
	CauseDivergence Cause = "state_divergence"
)

// Conf holds the global risk thresholds. WarningRatio marks the
// drawdown fraction of MaxDrawdown at which the governor goes WARNING
// before halting.
type Conf struct {
	MaxDrawdown     decimal.Decimal
	WarningRatio    decimal.Decimal
	DailyLossLimit  decimal.Decimal // quote currency, zero disables
	MaxFailures     int
	BreakerCooldown time.Duration
}

func DefaultConf() Conf {
	return Conf{
		MaxDrawdown:     decimal.RequireFromString("0.20"),
		WarningRatio:    decimal.RequireFromString("0.75"),
		MaxFailures:     5,
		BreakerCooldown: 5 * time.Minute,
	}
}

type symbolState struct {
	stopLoss decimal.Decimal // absolute quote loss halting the symbol

	state          State
	cause          Cause
	since          time.Time
	realized       decimal.Decimal
	unrealized     decimal.Decimal
	failures       int
	breakerUntil   time.Time
	probing        bool
	flattenPending bool
	manualResume   bool
}

// Governor is the risk state machine shared by all symbol tasks.
type Governor struct {
	conf  Conf
	sugar *zap.SugaredLogger
	hub   *report.Hub

	mu             sync.Mutex
	state          State
	cause          Cause
	since          time.Time
	peakEquity     decimal.Decimal
	equity         decimal.Decimal
	day            time.Time // UTC day of the daily-loss window
	dayStartEquity decimal.Decimal
	dailySuspended bool
	symbols        map[string]*symbolState
}

func NewGovernor(conf Conf, hub *report.Hub, sugar *zap.SugaredLogger) *Governor {
	return &Governor{
		conf:    conf,
		sugar:   sugar,
		hub:     hub,
		symbols: make(map[string]*symbolState),
	}
}

// Admit registers a symbol with its absolute stop-loss budget.
func (g *Governor) Admit(symbol string, stopLoss decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[symbol] = &symbolState{stopLoss: stopLoss}
	metrics.RiskState.WithLabelValues(symbol).Set(0)
}

func (g *Governor) Remove(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.symbols, symbol)
}

// UpdateEquity feeds the latest account equity. Drawdown from peak
// drives the global state; the daily window auto-resets at the UTC
// rollover.
func (g *Governor) UpdateEquity(equity decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	eq, _ := equity.Float64()
	metrics.Equity.Set(eq)

	g.equity = equity
	if equity.GreaterThan(g.peakEquity) {
		g.peakEquity = equity
	}
	g.rolloverLocked(now)

	if g.conf.DailyLossLimit.IsPositive() && !g.dailySuspended {
		dailyLoss := g.dayStartEquity.Sub(equity)
		if dailyLoss.GreaterThanOrEqual(g.conf.DailyLossLimit) {
			g.dailySuspended = true
			g.sugar.Errorw("daily loss limit breached, suspending submissions until rollover",
				"loss", dailyLoss.String(),
				"limit", g.conf.DailyLossLimit.String(),
				"at", now,
			)
			g.publishLocked(types.EventRiskAlert, "", map[string]interface{}{
				"cause": string(CauseDailyLoss),
				"loss":  dailyLoss.String(),
			})
		}
	}

	if !g.peakEquity.IsPositive() {
		return
	}
	drawdown := g.peakEquity.Sub(equity).Div(g.peakEquity)
	switch {
	case drawdown.GreaterThanOrEqual(g.conf.MaxDrawdown):
		g.haltAllLocked(CauseDrawdown, now, map[string]interface{}{
			"drawdown": drawdown.String(),
			"peak":     g.peakEquity.String(),
			"equity":   equity.String(),
		})
	case g.state == Running && drawdown.GreaterThanOrEqual(g.conf.MaxDrawdown.Mul(g.conf.WarningRatio)):
		g.state = Warning
		g.cause = CauseDrawdown
		g.since = now
		g.sugar.Warnw("drawdown warning",
			"drawdown", drawdown.String(),
			"threshold", g.conf.MaxDrawdown.String(),
		)
		g.publishLocked(types.EventRiskAlert, "", map[string]interface{}{
			"state":    g.state.String(),
			"drawdown": drawdown.String(),
		})
	}
}

func (g *Governor) rolloverLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.dayStartEquity = g.equity
		if g.dailySuspended {
			g.dailySuspended = false
			g.sugar.Infow("daily loss window rolled over, submissions resumed", "day", day)
			g.publishLocked(types.EventRiskStateChanged, "", map[string]interface{}{
				"state": "resumed",
				"cause": string(CauseDailyLoss),
			})
		}
	}
}

func (g *Governor) haltAllLocked(cause Cause, now time.Time, data map[string]interface{}) {
	if g.state == Halted {
		return
	}
	g.state = Halted
	g.cause = cause
	g.since = now
	g.sugar.Errorw("trading halted on all symbols",
		"cause", string(cause),
		"at", now,
	)
	for sym, st := range g.symbols {
		st.flattenPending = true
		metrics.RiskState.WithLabelValues(sym).Set(2)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["state"] = Halted.String()
	data["cause"] = string(cause)
	g.publishLocked(types.EventRiskStateChanged, "", data)
}

// RecordPnL updates a symbol's realized delta and current unrealized
// PnL. Breaching the symbol stop-loss halts that symbol only; its
// exposure is flattened, the others keep trading.
func (g *Governor) RecordPnL(symbol string, realizedDelta, unrealized decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		return
	}
	st.realized = st.realized.Add(realizedDelta)
	st.unrealized = unrealized
	loss := st.realized.Add(st.unrealized).Neg()
	if st.state != Halted && st.stopLoss.IsPositive() && loss.GreaterThanOrEqual(st.stopLoss) {
		g.haltSymbolLocked(symbol, st, CauseStopLoss, now, true, map[string]interface{}{
			"loss":     loss.String(),
			"stopLoss": st.stopLoss.String(),
		})
		st.flattenPending = true
	}
}

func (g *Governor) haltSymbolLocked(symbol string, st *symbolState, cause Cause, now time.Time, manual bool, data map[string]interface{}) {
	st.state = Halted
	st.cause = cause
	st.since = now
	st.manualResume = manual
	metrics.RiskState.WithLabelValues(symbol).Set(2)
	g.sugar.Errorw("symbol halted",
		"symbol", symbol,
		"cause", string(cause),
		"at", now,
	)
	if data == nil {
		data = map[string]interface{}{}
	}
	data["state"] = Halted.String()
	data["cause"] = string(cause)
	g.publishLocked(types.EventRiskStateChanged, symbol, data)
}

// ReportFailure counts a reconciliation failure; reaching the threshold
// trips the symbol's circuit breaker for a cool-down, after which one
// probe pass is allowed through automatically.
func (g *Governor) ReportFailure(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		return
	}
	st.failures++
	if st.probing || g.halfOpenLocked(st, now) {
		// probe failed, re-arm the breaker
		st.probing = false
		st.breakerUntil = now.Add(g.conf.BreakerCooldown)
		g.sugar.Warnw("breaker probe failed", "symbol", symbol, "until", st.breakerUntil)
		return
	}
	if st.state != Halted && g.conf.MaxFailures > 0 && st.failures >= g.conf.MaxFailures {
		st.breakerUntil = now.Add(g.conf.BreakerCooldown)
		g.haltSymbolLocked(symbol, st, CauseBreaker, now, false, map[string]interface{}{
			"failures": st.failures,
			"cooldown": g.conf.BreakerCooldown.String(),
		})
	}
}

// ReportSuccess clears the failure streak; a probe pass completing
// cleanly after the cool-down closes the breaker and resumes the
// symbol.
func (g *Governor) ReportSuccess(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		return
	}
	st.failures = 0
	if st.probing || g.halfOpenLocked(st, now) {
		st.probing = false
		st.state = Running
		st.cause = CauseNone
		metrics.RiskState.WithLabelValues(symbol).Set(0)
		g.sugar.Infow("breaker probe succeeded, symbol resumed", "symbol", symbol)
		g.publishLocked(types.EventRiskStateChanged, symbol, map[string]interface{}{
			"state": Running.String(),
		})
	}
}

// EscalateDivergence halts a symbol whose local/remote state could not
// be reconciled within the retry budget. Resuming requires an operator.
func (g *Governor) EscalateDivergence(symbol string, detail string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		return
	}
	if st.state != Halted {
		g.haltSymbolLocked(symbol, st, CauseDivergence, now, true, map[string]interface{}{
			"detail": detail,
		})
	}
}

// AllowSubmit gates every placeOrder. It returns the blocking cause
// when submission is not allowed.
func (g *Governor) AllowSubmit(symbol string, now time.Time) (bool, Cause) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Halted {
		return false, g.cause
	}
	g.rolloverLocked(now)
	if g.dailySuspended {
		return false, CauseDailyLoss
	}
	st, ok := g.symbols[symbol]
	if !ok {
		return false, CauseNone
	}
	if st.state == Halted {
		if g.halfOpenLocked(st, now) && !st.probing {
			st.probing = true
			g.sugar.Infow("breaker cooldown elapsed, probing", "symbol", symbol)
			return true, CauseNone
		}
		return false, st.cause
	}
	return true, CauseNone
}

// halfOpenLocked reports whether the symbol's breaker cool-down has
// elapsed, meaning a probe pass may go through.
func (g *Governor) halfOpenLocked(st *symbolState, now time.Time) bool {
	return st.state == Halted && st.cause == CauseBreaker && !st.manualResume && now.After(st.breakerUntil)
}

// ShouldProbe reports whether a breaker-halted symbol is due its probe
// pass. The reconcile loop consults it so the halt does not short-
// circuit the pass that would close the breaker.
func (g *Governor) ShouldProbe(symbol string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Halted {
		return false
	}
	st, ok := g.symbols[symbol]
	if !ok {
		return false
	}
	return st.probing || g.halfOpenLocked(st, now)
}

// TakeFlatten reports (once) that the symbol's resting exposure must be
// cancelled following a halt.
func (g *Governor) TakeFlatten(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok || !st.flattenPending {
		return false
	}
	st.flattenPending = false
	return true
}

// Resume is the explicit operator action clearing a manual halt. It
// resets the drawdown peak to current equity so trading does not
// immediately re-halt.
func (g *Governor) Resume(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Halted {
		g.sugar.Warnw("manual resume", "haltedSince", g.since, "cause", string(g.cause))
	}
	g.state = Running
	g.cause = CauseNone
	g.since = now
	g.peakEquity = g.equity
	for sym, st := range g.symbols {
		if st.state == Halted && st.manualResume {
			st.state = Running
			st.cause = CauseNone
			st.manualResume = false
			metrics.RiskState.WithLabelValues(sym).Set(0)
		}
	}
	g.publishLocked(types.EventRiskStateChanged, "", map[string]interface{}{
		"state": Running.String(),
		"cause": "manual_resume",
	})
}

// ResumeSymbol clears a manual halt for one symbol.
func (g *Governor) ResumeSymbol(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.symbols[symbol]
	if !ok {
		return
	}
	st.state = Running
	st.cause = CauseNone
	st.manualResume = false
	st.failures = 0
	st.since = now
	metrics.RiskState.WithLabelValues(symbol).Set(0)
	g.publishLocked(types.EventRiskStateChanged, symbol, map[string]interface{}{
		"state": Running.String(),
		"cause": "manual_resume",
	})
}

// SymbolHalted reports whether the symbol (or everything) is halted.
func (g *Governor) SymbolHalted(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Halted {
		return true
	}
	st, ok := g.symbols[symbol]
	return ok && st.state == Halted
}

// Status is the externally visible risk state.
type Status struct {
	State      string    `json:"state"`
	Cause      string    `json:"cause,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Realized   string    `json:"realized,omitempty"`
	Unrealized string    `json:"unrealized,omitempty"`
	Failures   int       `json:"failures,omitempty"`
}

// Snapshot returns the global and per-symbol risk status.
func (g *Governor) Snapshot() (Status, map[string]Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	global := Status{
		State: g.state.String(),
		Cause: string(g.cause),
		Since: g.since,
	}
	perSymbol := make(map[string]Status, len(g.symbols))
	for sym, st := range g.symbols {
		perSymbol[sym] = Status{
			State:      st.state.String(),
			Cause:      string(st.cause),
			Since:      st.since,
			Realized:   st.realized.String(),
			Unrealized: st.unrealized.String(),
			Failures:   st.failures,
		}
	}
	return global, perSymbol
}

func (g *Governor) publishLocked(t types.EventType, symbol string, data map[string]interface{}) {
	g.hub.Publish(types.Event{
		Type:   t,
		Symbol: symbol,
		Time:   time.Now(),
		Data:   data,
	})
}
