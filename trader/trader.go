// Package trader owns one engine per traded symbol and multiplexes
// them over the shared capital pool, rate limiter, and risk governor.
package trader

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xyths/hs"
	"github.com/xyths/hs/broadcast"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/capital"
	"github.com/quantgrid/qgr/engine"
	"github.com/quantgrid/qgr/gateway"
	"github.com/quantgrid/qgr/report"
	"github.com/quantgrid/qgr/risk"
	"github.com/quantgrid/qgr/store"
	"github.com/quantgrid/qgr/types"
)

const shutdownGrace = 10 * time.Second

// Trader is the symbol orchestrator.
type Trader struct {
	config Config
	sugar  *zap.SugaredLogger

	db     *mongo.Database
	st     *store.Store
	gw     gateway.Gateway
	lim    *gateway.Limiter
	hub    *report.Hub
	gov    *risk.Governor
	pool   *capital.Pool
	alloc  *capital.Allocator
	robots []broadcast.Broadcaster
	server *report.Server

	mu      sync.Mutex
	runCtx  context.Context
	engines map[string]*engine.Engine
	cancels map[string]context.CancelFunc
	weights map[string]decimal.Decimal
	wg      sync.WaitGroup

	pressureCh chan struct{}
}

func New(configFilename string) *Trader {
	cfg := Config{}
	if err := hs.ParseJsonConfig(configFilename, &cfg); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	return &Trader{
		config:     cfg,
		engines:    make(map[string]*engine.Engine),
		cancels:    make(map[string]context.CancelFunc),
		weights:    make(map[string]decimal.Decimal),
		pressureCh: make(chan struct{}, 1),
	}
}

func (t *Trader) Init(ctx context.Context) error {
	l, err := hs.NewZapLogger(t.config.Log)
	if err != nil {
		return err
	}
	t.sugar = l.Sugar()

	db, err := hs.ConnectMongo(ctx, t.config.Mongo)
	if err != nil {
		return err
	}
	t.db = db
	t.st = store.New(db, t.sugar)

	t.hub = report.NewHub(t.sugar)
	t.lim = gateway.NewLimiter(t.config.Rate)
	t.initGateway()
	t.initRobots()

	riskConf, err := t.config.RiskConf()
	if err != nil {
		return err
	}
	t.gov = risk.NewGovernor(riskConf, t.hub, t.sugar)
	t.pool = capital.NewPool(t.config.Total(), t.sugar)
	t.alloc = capital.NewAllocator(t.pool, t.config.AllocatorConf(), t.hub, t.sugar)

	sumW := decimal.Zero
	for _, sc := range t.config.Symbols {
		w, _ := sc.ParsedWeight()
		sumW = sumW.Add(w)
	}
	for _, sc := range t.config.Symbols {
		w, _ := sc.ParsedWeight()
		share := t.config.Total().Mul(w).Div(sumW)
		if err = t.admit(ctx, sc, share); err != nil {
			return err
		}
	}

	if t.config.Report.Addr != "" {
		t.server = report.NewServer(t.config.Report.Addr, t.hub, t.Snapshot, t.sugar)
		t.server.ResumeFunc = t.Resume
	}
	t.sugar.Infow("trader initialized",
		"symbols", len(t.engines),
		"total", t.config.Total().String(),
	)
	return nil
}

func (t *Trader) initGateway() {
	switch strings.ToLower(t.config.Exchange.Name) {
	case "", "sim", "paper":
		t.sugar.Info("using simulated exchange")
		t.gw = t.newPaperGateway()
	default:
		t.gw = gateway.NewGateIO(t.config.Exchange.Host, t.config.Exchange.Key, t.config.Exchange.Secret)
	}
}

// newPaperGateway seeds a simulated exchange with the configured
// symbols, a flat book at 100, and the pool total as quote balance.
func (t *Trader) newPaperGateway() *gateway.Sim {
	sim := gateway.NewSim()
	quote := ""
	for _, sc := range t.config.Symbols {
		base, q := sc.Symbol, "USDT"
		if i := strings.Index(sc.Symbol, "/"); i > 0 {
			base, q = sc.Symbol[:i], sc.Symbol[i+1:]
		}
		quote = q
		sim.SetSymbol(types.Symbol{
			Symbol:          sc.Symbol,
			BaseCurrency:    base,
			QuoteCurrency:   q,
			PricePrecision:  2,
			AmountPrecision: 4,
			MinAmount:       decimal.New(1, -4),
			MinTotal:        decimal.New(1, 0),
		})
		sim.SetPrice(sc.Symbol, decimal.New(100, 0))
	}
	if quote != "" {
		sim.SetBalance(quote, t.config.Total())
	}
	return sim
}

func (t *Trader) initRobots() {
	for _, conf := range t.config.Robots {
		t.robots = append(t.robots, broadcast.New(conf))
	}
}

// admit registers one symbol: capital budgets, risk tracking, and an
// initialized engine. Persisted budgets win over the computed share.
func (t *Trader) admit(ctx context.Context, sc SymbolConf, share decimal.Decimal) error {
	layers, err := sc.Layers()
	if err != nil {
		return err
	}
	var budgets capital.LayerBudgets
	if t.st != nil {
		if budgets, err = t.st.LoadBudgets(ctx, sc.Symbol); err != nil {
			return err
		}
	}
	if budgets == nil {
		weights := t.alloc.Weights(types.Ranging)
		budgets = make(capital.LayerBudgets, len(layers))
		active := decimal.Zero
		for _, lc := range layers {
			active = active.Add(weights[lc.Kind])
		}
		for _, lc := range layers {
			budgets[lc.Kind] = share.Mul(weights[lc.Kind]).Div(active)
		}
	}
	if err = t.pool.Admit(sc.Symbol, budgets); err != nil {
		return err
	}
	t.gov.Admit(sc.Symbol, sc.ParsedStopLoss())

	engConf, err := t.config.EngineConf()
	if err != nil {
		return err
	}
	opts := engine.Options{
		Symbol:   sc.Symbol,
		Layers:   layers,
		Gateway:  t.gw,
		Limiter:  t.lim,
		Retry:    gateway.DefaultRetryPolicy(),
		Governor: t.gov,
		Pool:     t.pool,
		Hub:      t.hub,
		Sugar:    t.sugar,
		Conf:     engConf,
		Pressure: t.signalPressure,
	}
	if t.st != nil {
		opts.Recorder = t.st
	}
	eng := engine.New(opts)
	if err = eng.Init(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.engines[sc.Symbol] = eng
	w, _ := sc.ParsedWeight()
	t.weights[sc.Symbol] = w
	t.mu.Unlock()
	return nil
}

func (t *Trader) signalPressure() {
	select {
	case t.pressureCh <- struct{}{}:
	default:
	}
}

// Trade runs everything until the context is cancelled, then shuts
// down gracefully: stop scheduling, drain in-flight passes, flush
// state to storage.
func (t *Trader) Trade(ctx context.Context) error {
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	if t.server != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.server.Run(runCtx); err != nil {
				t.sugar.Errorf("report server: %s", err)
			}
		}()
	}
	t.wg.Add(3)
	go t.notifyLoop(runCtx)
	go t.eventLogLoop(runCtx)
	go t.rebalanceLoop(runCtx)
	t.wg.Add(1)
	go t.dailySummaryLoop(runCtx)

	t.mu.Lock()
	t.runCtx = runCtx
	for sym, eng := range t.engines {
		t.startEngine(runCtx, sym, eng)
	}
	t.mu.Unlock()

	<-ctx.Done()
	t.sugar.Info("shutting down")
	cancelAll()
	t.shutdown()
	return nil
}

// startEngine launches one engine goroutine behind a bulkhead: a panic
// in one symbol's loop is contained and halts only that symbol. The
// caller holds t.mu.
func (t *Trader) startEngine(parent context.Context, symbol string, eng *engine.Engine) {
	cctx, cancel := context.WithCancel(parent)
	t.cancels[symbol] = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.sugar.Errorw("engine crashed",
					"symbol", symbol,
					"panic", fmt.Sprint(r),
				)
				t.gov.EscalateDivergence(symbol, fmt.Sprintf("engine panic: %v", r), time.Now())
			}
		}()
		eng.Run(cctx)
	}()
}

func (t *Trader) shutdown() {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		t.sugar.Warn("grace timeout elapsed, abandoning in-flight work")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	t.mu.Lock()
	for sym, eng := range t.engines {
		eng.Flush(flushCtx)
		snap := t.pool.Snapshot()[sym]
		budgets := make(map[types.LayerKind]decimal.Decimal, len(snap))
		locked := make(map[types.LayerKind]decimal.Decimal, len(snap))
		for kind, st := range snap {
			budgets[kind] = st.Budget
			locked[kind] = st.Locked
		}
		if err := t.st.SaveCapital(flushCtx, sym, budgets, locked); err != nil {
			t.sugar.Errorf("capital state not flushed for %s: %s", sym, err)
		}
	}
	t.mu.Unlock()
	if t.db != nil {
		_ = t.db.Client().Disconnect(flushCtx)
	}
	t.sugar.Info("shutdown complete")
}

// AddSymbol admits a symbol at runtime. The steady state has the whole
// pool allocated, so the symbol starts with empty budgets and the
// rebalance run immediately after carves its share out of the active
// pool.
func (t *Trader) AddSymbol(ctx context.Context, sc SymbolConf) error {
	t.mu.Lock()
	_, exists := t.engines[sc.Symbol]
	t.mu.Unlock()
	if exists {
		return fmt.Errorf("symbol %s already traded", sc.Symbol)
	}
	if _, err := sc.Layers(); err != nil {
		return err
	}
	if err := t.admit(ctx, sc, decimal.Zero); err != nil {
		return err
	}
	t.mu.Lock()
	eng := t.engines[sc.Symbol]
	parent := t.runCtx
	if parent == nil {
		parent = context.Background()
	}
	t.startEngine(parent, sc.Symbol, eng)
	t.mu.Unlock()
	t.rebalance(ctx)
	t.sugar.Infow("symbol admitted", "symbol", sc.Symbol)
	return nil
}

// RemoveSymbol stops a symbol's engine, cancels its resting orders,
// and returns its budget to the pool.
func (t *Trader) RemoveSymbol(ctx context.Context, symbol string) error {
	t.mu.Lock()
	eng, ok := t.engines[symbol]
	cancel := t.cancels[symbol]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("symbol %s not traded", symbol)
	}
	if cancel != nil {
		cancel()
	}
	if err := eng.CancelAll(ctx); err != nil {
		return err
	}
	eng.Flush(ctx)
	if err := t.pool.Remove(symbol); err != nil {
		return err
	}
	t.gov.Remove(symbol)
	t.mu.Lock()
	delete(t.engines, symbol)
	delete(t.cancels, symbol)
	delete(t.weights, symbol)
	t.mu.Unlock()
	t.sugar.Infow("symbol removed", "symbol", symbol)
	return nil
}

// Resume is the operator action clearing manual halts.
func (t *Trader) Resume() {
	t.gov.Resume(time.Now())
	t.mu.Lock()
	for _, eng := range t.engines {
		eng.Trigger()
	}
	t.mu.Unlock()
}

// rebalanceLoop reruns the capital policy on a fixed cadence and on
// pressure signals from the engines.
func (t *Trader) rebalanceLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := t.config.RebalanceInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		case <-t.pressureCh:
		}
		t.rebalance(ctx)
	}
}

func (t *Trader) rebalance(ctx context.Context) {
	t.mu.Lock()
	engines := make(map[string]*engine.Engine, len(t.engines))
	for sym, eng := range t.engines {
		engines[sym] = eng
	}
	weights := make(map[string]decimal.Decimal, len(t.weights))
	for sym, w := range t.weights {
		weights[sym] = w
	}
	t.mu.Unlock()
	if len(engines) == 0 {
		return
	}

	regime := types.Ranging
	for _, eng := range engines {
		if r := eng.Regime(); r > regime {
			regime = r
		}
	}
	if err := t.alloc.Rebalance(regime, weights, t.gov.SymbolHalted); err != nil {
		t.sugar.Errorf("rebalance failed: %s", err)
		return
	}
	for sym, eng := range engines {
		byLayer := make(map[types.LayerKind][]types.OrderRecord)
		for _, kind := range types.Layers() {
			byLayer[kind] = eng.Ledger().ActiveByLayer(kind)
		}
		plan := t.alloc.Evictions(sym, eng.LastPrice(), byLayer)
		eng.SubmitEvictions(plan)
	}
}

// notifyLoop forwards selected events to the configured robots.
func (t *Trader) notifyLoop(ctx context.Context) {
	defer t.wg.Done()
	sub := t.hub.Subscribe(
		types.EventTradeExecuted,
		types.EventRiskStateChanged,
		types.EventRiskAlert,
		types.EventDailySummary,
	)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			t.notify(ev)
		}
	}
}

func (t *Trader) notify(ev types.Event) {
	label := t.config.Exchange.Label
	msg := fmt.Sprintf("%s [%s] [%s] %s: %v",
		ev.Time.Format("2006-01-02 15:04:05"), label, ev.Symbol, ev.Type, ev.Data)
	for _, robot := range t.robots {
		if err := robot.SendText(msg); err != nil {
			t.sugar.Infof("broadcast error: %s", err)
		}
	}
}

// eventLogLoop appends every event to the durable log.
func (t *Trader) eventLogLoop(ctx context.Context) {
	defer t.wg.Done()
	sub := t.hub.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if err := t.st.AppendEvent(ctx, ev); err != nil {
				t.sugar.Debugf("event not logged: %s", err)
			}
			if ev.Type == types.EventRiskStateChanged {
				id := ev.Symbol
				if id == "" {
					id = "global"
				}
				state, _ := ev.Data["state"].(string)
				cause, _ := ev.Data["cause"].(string)
				if err := t.st.SaveRiskState(ctx, id, state, cause, ev.Time); err != nil {
					t.sugar.Debugf("risk state not persisted: %s", err)
				}
			}
		}
	}
}

// dailySummaryLoop publishes one summary event at each UTC rollover.
func (t *Trader) dailySummaryLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			t.publishDailySummary(ctx)
		}
	}
}

func (t *Trader) publishDailySummary(ctx context.Context) {
	t.mu.Lock()
	engines := make(map[string]*engine.Engine, len(t.engines))
	for sym, eng := range t.engines {
		engines[sym] = eng
	}
	t.mu.Unlock()

	since := time.Now().UTC().Add(-24 * time.Hour)
	data := make(map[string]interface{}, len(engines))
	for sym, eng := range engines {
		trades, err := t.st.Trades(ctx, sym, since)
		if err != nil {
			t.sugar.Errorf("daily summary for %s: %s", sym, err)
			continue
		}
		profit := decimal.Zero
		for _, tr := range trades {
			if p, err := decimal.NewFromString(tr.Profit); err == nil {
				profit = profit.Add(p)
			}
		}
		data[sym] = map[string]interface{}{
			"trades":   len(trades),
			"profit":   profit.String(),
			"realized": eng.Realized().String(),
		}
	}
	t.hub.Publish(types.Event{
		Type: types.EventDailySummary,
		Time: time.Now(),
		Data: data,
	})
}

// InitStore sets up only the logger and storage. It is enough for the
// offline commands; Init is for trading.
func (t *Trader) InitStore(ctx context.Context) error {
	l, err := hs.NewZapLogger(t.config.Log)
	if err != nil {
		return err
	}
	t.sugar = l.Sugar()
	db, err := hs.ConnectMongo(ctx, t.config.Mongo)
	if err != nil {
		return err
	}
	t.db = db
	t.st = store.New(db, t.sugar)
	return nil
}

// Dump prints accumulated trade profit per configured symbol. Zero
// start and end mean all-time.
func (t *Trader) Dump(ctx context.Context, start, end time.Time) error {
	for _, sc := range t.config.Symbols {
		if start.IsZero() && end.IsZero() {
			profit, count, err := t.st.Profit(ctx, sc.Symbol)
			if err != nil {
				return err
			}
			t.sugar.Infof("%s: %d trades, profit %s", sc.Symbol, count, profit)
			continue
		}
		trades, err := t.st.Trades(ctx, sc.Symbol, start)
		if err != nil {
			return err
		}
		profit := decimal.Zero
		count := 0
		for _, tr := range trades {
			if !end.IsZero() && tr.ExecutedAt.After(end) {
				continue
			}
			if p, err := decimal.NewFromString(tr.Profit); err == nil {
				profit = profit.Add(p)
			}
			count++
		}
		t.sugar.Infof("%s: %d trades, profit %s", sc.Symbol, count, profit)
	}
	return nil
}

// Clear wipes order and capital state for every configured symbol.
// Trade and event history is kept.
func (t *Trader) Clear(ctx context.Context) error {
	for _, sc := range t.config.Symbols {
		if err := t.st.ClearSymbol(ctx, sc.Symbol); err != nil {
			return err
		}
		t.sugar.Infof("cleared %s", sc.Symbol)
	}
	return nil
}

// Close releases the storage connection for the offline commands.
func (t *Trader) Close(ctx context.Context) {
	if t.db != nil {
		_ = t.db.Client().Disconnect(ctx)
	}
}

// Snapshot aggregates per-symbol ledger, risk, and capital state into
// one read-only view for the report server.
func (t *Trader) Snapshot() interface{} {
	t.mu.Lock()
	engines := make(map[string]*engine.Engine, len(t.engines))
	for sym, eng := range t.engines {
		engines[sym] = eng
	}
	t.mu.Unlock()

	global, perSymbol := t.gov.Snapshot()
	pool := t.pool.Snapshot()

	symbols := make(map[string]interface{}, len(engines))
	for sym, eng := range engines {
		symbols[sym] = map[string]interface{}{
			"engine":  eng.Status(),
			"risk":    perSymbol[sym],
			"capital": pool[sym],
		}
	}
	return map[string]interface{}{
		"time":    time.Now(),
		"risk":    global,
		"total":   t.pool.Total().String(),
		"symbols": symbols,
		"dropped": t.hub.Dropped(),
	}
}
