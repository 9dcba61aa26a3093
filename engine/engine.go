// Package engine runs one reconciliation loop per symbol: it derives
// the desired ladder state, diffs the ledger against the exchange, and
// corrects divergence. The engine goroutine is the only writer of its
// symbol's ledger.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/capital"
	"github.com/quantgrid/qgr/gateway"
	"github.com/quantgrid/qgr/grid"
	"github.com/quantgrid/qgr/ledger"
	"github.com/quantgrid/qgr/metrics"
	"github.com/quantgrid/qgr/report"
	"github.com/quantgrid/qgr/risk"
	"github.com/quantgrid/qgr/types"
)

// Recorder is the durability contract the engine writes through. A nil
// Recorder disables persistence (paper trading, tests).
type Recorder interface {
	SaveOrder(ctx context.Context, symbol string, rec types.OrderRecord) error
	RemoveOrder(ctx context.Context, symbol, levelID string) error
	LoadOrders(ctx context.Context, symbol string) ([]types.OrderRecord, error)
	SaveTrade(ctx context.Context, t types.Trade) error
}

// Conf tunes one reconciliation loop.
type Conf struct {
	Interval     time.Duration
	OrderTimeout time.Duration // cancel and re-level resting orders older than this, zero disables
	MaxMisses    int           // consecutive snapshots an order may be absent from before it is orphaned
	CandlePeriod time.Duration
	CandleSize   int
}

func (c Conf) withDefaults() Conf {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = 3
	}
	if c.CandlePeriod <= 0 {
		c.CandlePeriod = time.Minute
	}
	if c.CandleSize <= 0 {
		c.CandleSize = 100
	}
	return c
}

// Options wires one engine instance.
type Options struct {
	Symbol   string
	Layers   []grid.LayerConf
	Gateway  gateway.Gateway
	Limiter  *gateway.Limiter
	Retry    gateway.RetryPolicy
	Governor *risk.Governor
	Pool     *capital.Pool
	Recorder Recorder
	Hub      *report.Hub
	Sugar    *zap.SugaredLogger
	Conf     Conf

	// Pressure is invoked when a reservation fails on an exhausted
	// layer budget, so the orchestrator can rebalance out of cycle.
	Pressure func()
}

// Engine is the per-symbol reconciliation loop.
type Engine struct {
	symbol string
	sym    types.Symbol
	confs  map[types.LayerKind]grid.LayerConf

	led      *ledger.Ledger
	gw       gateway.Gateway
	lim      *gateway.Limiter
	retry    gateway.RetryPolicy
	gov      *risk.Governor
	pool     *capital.Pool
	rec      Recorder
	hub      *report.Hub
	sugar    *zap.SugaredLogger
	conf     Conf
	pressure func()

	trigger chan struct{}

	// touched only inside a reconciliation pass
	mismatchRuns map[string]int

	mu        sync.Mutex
	ladders   map[types.LayerKind]*grid.Ladder
	evictions []types.OrderRecord
	costBasis map[string]decimal.Decimal // sell level id -> acquisition cost
	realized  decimal.Decimal
	regime    types.MarketRegime
	lastPrice decimal.Decimal
}

func New(opt Options) *Engine {
	confs := make(map[types.LayerKind]grid.LayerConf, len(opt.Layers))
	for _, lc := range opt.Layers {
		confs[lc.Kind] = lc
	}
	pressure := opt.Pressure
	if pressure == nil {
		pressure = func() {}
	}
	return &Engine{
		symbol:       opt.Symbol,
		confs:        confs,
		led:          ledger.New(opt.Symbol),
		gw:           opt.Gateway,
		lim:          opt.Limiter,
		retry:        opt.Retry,
		gov:          opt.Governor,
		pool:         opt.Pool,
		rec:          opt.Recorder,
		hub:          opt.Hub,
		sugar:        opt.Sugar,
		conf:         opt.Conf.withDefaults(),
		pressure:     pressure,
		trigger:      make(chan struct{}, 1),
		mismatchRuns: make(map[string]int),
		ladders:      make(map[types.LayerKind]*grid.Ladder),
		costBasis:    make(map[string]decimal.Decimal),
	}
}

func (e *Engine) Symbol() string         { return e.symbol }
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// Regime reports the last detected market regime.
func (e *Engine) Regime() types.MarketRegime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regime
}

// LastPrice reports the price seen by the most recent pass.
func (e *Engine) LastPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

// Realized reports cumulative realized profit since start.
func (e *Engine) Realized() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realized
}

// Init fetches the symbol's trading rules, validates the layer
// configuration against the current price, and restores the ledger
// from durable storage.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
		return err
	}
	var err error
	if err = e.retry.Do(ctx, e.sugar, "getSymbol", func() error {
		var err2 error
		e.sym, err2 = e.gw.GetSymbol(ctx, e.symbol)
		return err2
	}); err != nil {
		return errors.Wrapf(err, "symbol rules for %s", e.symbol)
	}
	price, err := e.fetchPrice(ctx)
	if err != nil {
		return err
	}
	for _, conf := range e.confs {
		if err = conf.Validate(e.sym, price); err != nil {
			return err
		}
	}
	if e.rec != nil {
		recs, err := e.rec.LoadOrders(ctx, e.symbol)
		if err != nil {
			return errors.Wrap(err, "restore ledger")
		}
		e.led.Restore(recs)
		for _, rec := range recs {
			if rec.Status.Terminal() {
				continue
			}
			if err = e.pool.Reserve(e.symbol, rec.Level.Layer, rec.Notional()); err != nil {
				e.sugar.Warnw("restored order exceeds current budget",
					"symbol", e.symbol, "level", rec.LevelID, "error", err.Error())
			}
		}
		e.sugar.Infow("ledger restored", "symbol", e.symbol, "orders", len(recs))
	}
	return nil
}

// Trigger queues one extra reconciliation pass. A trigger arriving
// while a pass runs coalesces with the queued one, it never interleaves.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SubmitEvictions hands the engine a set of orders to cancel under
// capital pressure. The cancellations are applied inside the next
// reconciliation pass, preserving the single-writer discipline.
func (e *Engine) SubmitEvictions(plan []types.OrderRecord) {
	if len(plan) == 0 {
		return
	}
	e.mu.Lock()
	e.evictions = append(e.evictions, plan...)
	e.mu.Unlock()
	e.Trigger()
}

// Run drives reconciliation passes until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.sugar.Infof("engine started for %s, interval %s", e.symbol, e.conf.Interval)
	for {
		select {
		case <-ctx.Done():
			e.sugar.Infof("engine stopped for %s", e.symbol)
			return
		case <-e.trigger:
		case <-time.After(e.conf.Interval):
		}
		if err := e.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.sugar.Errorw("reconciliation pass failed",
				"symbol", e.symbol, "error", err.Error())
		}
	}
}

// RunOnce executes a single reconciliation pass and feeds the outcome
// to the risk governor's failure counter.
func (e *Engine) RunOnce(ctx context.Context) error {
	err := e.reconcile(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues(e.symbol, "error").Inc()
		e.gov.ReportFailure(e.symbol, time.Now())
		e.hub.Publish(types.Event{
			Type:   types.EventReconciliationError,
			Symbol: e.symbol,
			Time:   time.Now(),
			Data:   map[string]interface{}{"error": err.Error()},
		})
		return err
	}
	metrics.ReconcilePasses.WithLabelValues(e.symbol, "ok").Inc()
	e.gov.ReportSuccess(e.symbol, time.Now())
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	price, err := e.fetchPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch price")
	}
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	e.updateRegime(ctx)
	if err = e.updateEquity(ctx, price); err != nil {
		return errors.Wrap(err, "account snapshot")
	}
	if err = e.ensureLadders(ctx, price); err != nil {
		return err
	}

	remote, err := e.fetchOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "open orders")
	}
	diff := e.led.Reconcile(remote)
	e.countDivergences(diff)

	e.adoptUnknown(ctx, diff.UnknownRemote)
	if err = e.resolveOrphans(ctx, diff.OrphanedLocal); err != nil {
		return err
	}
	if err = e.applyMismatches(ctx, diff.Mismatched); err != nil {
		return err
	}
	if err = e.expireStale(ctx, price); err != nil {
		return err
	}
	if err = e.applyEvictions(ctx); err != nil {
		return err
	}

	if e.gov.TakeFlatten(e.symbol) {
		return e.flatten(ctx)
	}
	if e.gov.SymbolHalted(e.symbol) && !e.gov.ShouldProbe(e.symbol, time.Now()) {
		return nil
	}
	return e.placeMissing(ctx, price)
}

func (e *Engine) fetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
		return decimal.Zero, err
	}
	var price decimal.Decimal
	err := e.retry.Do(ctx, e.sugar, "lastPrice", func() error {
		var err2 error
		price, err2 = e.gw.LastPrice(ctx, e.symbol)
		return err2
	})
	return price, err
}

func (e *Engine) fetchOpenOrders(ctx context.Context) ([]types.RemoteOrder, error) {
	if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
		return nil, err
	}
	var remote []types.RemoteOrder
	err := e.retry.Do(ctx, e.sugar, "openOrders", func() error {
		var err2 error
		remote, err2 = e.gw.OpenOrders(ctx, e.symbol)
		return err2
	})
	return remote, err
}

func (e *Engine) updateRegime(ctx context.Context) {
	closes, err := e.gw.Candles(ctx, e.symbol, e.conf.CandlePeriod, e.conf.CandleSize)
	if err != nil {
		e.sugar.Debugw("candles unavailable", "symbol", e.symbol, "error", err.Error())
		return
	}
	regime := DetectRegime(closes)
	e.mu.Lock()
	if regime != e.regime {
		e.sugar.Infow("market regime changed",
			"symbol", e.symbol, "from", e.regime.String(), "to", regime.String())
	}
	e.regime = regime
	e.mu.Unlock()
}

func (e *Engine) updateEquity(ctx context.Context, price decimal.Decimal) error {
	if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
		return err
	}
	var snap types.AccountSnapshot
	if err := e.retry.Do(ctx, e.sugar, "accountSnapshot", func() error {
		var err2 error
		snap, err2 = e.gw.AccountSnapshot(ctx)
		return err2
	}); err != nil {
		return err
	}
	equity := snap.Balances[e.sym.QuoteCurrency]
	equity = equity.Add(snap.Balances[e.sym.BaseCurrency].Mul(price))
	e.gov.UpdateEquity(equity, time.Now())
	return nil
}

// ensureLadders rebuilds any layer whose envelope no longer contains
// the price. A gap jump discards the whole ladder: its resting orders
// are cancelled and the layer rebuilds around the new price.
func (e *Engine) ensureLadders(ctx context.Context, price decimal.Decimal) error {
	for kind, conf := range e.confs {
		e.mu.Lock()
		lad := e.ladders[kind]
		e.mu.Unlock()
		if lad != nil && lad.Contains(price) {
			continue
		}
		if lad != nil {
			e.sugar.Warnw("price left ladder envelope, rebuilding layer",
				"symbol", e.symbol,
				"layer", kind,
				"price", price.String(),
				"low", lad.Low.String(),
				"high", lad.High.String(),
			)
			for _, rec := range e.led.ActiveByLayer(kind) {
				if err := e.cancelRecord(ctx, rec, "rebuild"); err != nil {
					return err
				}
			}
		}
		built, err := grid.Build(e.sym, conf, price)
		if err != nil {
			return errors.Wrapf(err, "build %s ladder", kind)
		}
		e.mu.Lock()
		e.ladders[kind] = &built
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) countDivergences(diff ledger.Diff) {
	if diff.Empty() {
		return
	}
	metrics.Divergences.WithLabelValues(e.symbol, "orphaned").Add(float64(len(diff.OrphanedLocal)))
	metrics.Divergences.WithLabelValues(e.symbol, "unknown_remote").Add(float64(len(diff.UnknownRemote)))
	metrics.Divergences.WithLabelValues(e.symbol, "mismatched").Add(float64(len(diff.Mismatched)))
}

// adoptUnknown takes ownership of orders the exchange reports but the
// ledger does not know, recording them at ACKNOWLEDGED. The stale-order
// timeout retires them if nothing claims them.
func (e *Engine) adoptUnknown(ctx context.Context, unknown []types.RemoteOrder) {
	for _, ro := range unknown {
		lv := types.GridLevel{
			Layer:    types.MainTrend,
			Side:     ro.Side,
			Index:    0,
			Price:    ro.Price,
			Quantity: ro.Quantity,
		}
		rec := types.OrderRecord{
			Level:      lv,
			LevelID:    "external/" + ro.ExchangeID,
			ClientID:   ro.ClientID,
			ExchangeID: ro.ExchangeID,
			Side:       ro.Side,
			Price:      ro.Price,
			Quantity:   ro.Quantity,
			FilledQty:  ro.FilledQty,
			Status:     types.Acknowledged,
		}
		if err := e.led.Upsert(rec); err != nil {
			e.sugar.Warnw("adopting remote order failed",
				"symbol", e.symbol, "exchangeId", ro.ExchangeID, "error", err.Error())
			continue
		}
		e.sugar.Infow("adopted unknown remote order",
			"symbol", e.symbol, "exchangeId", ro.ExchangeID,
			"side", ro.Side, "price", ro.Price.String())
		e.persist(ctx, rec.LevelID)
	}
}

// resolveOrphans handles live local orders absent from the remote
// snapshot. A submission whose response was lost is replayed under its
// original idempotency key. Anything else is re-queried by id; after
// MaxMisses consecutive absences it is marked orphaned, archived, and
// replaced under a fresh key.
func (e *Engine) resolveOrphans(ctx context.Context, orphans []types.OrderRecord) error {
	for _, rec := range orphans {
		if rec.Status == types.Submitted && rec.ExchangeID == "" {
			if err := e.replaySubmission(ctx, rec); err != nil {
				return err
			}
			continue
		}
		ro, err := e.queryOrder(ctx, rec.ExchangeID)
		switch {
		case err == nil:
			_ = e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
				r.Queries = 0
				return nil
			})
			if err = e.applyRemote(ctx, rec.LevelID, ro); err != nil {
				return err
			}
		case errors.Is(err, gateway.ErrNotFound):
			missed := 0
			_ = e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
				r.Queries++
				missed = r.Queries
				return nil
			})
			if missed < e.conf.MaxMisses {
				e.sugar.Debugw("order missing from snapshot",
					"symbol", e.symbol, "level", rec.LevelID, "misses", missed)
				continue
			}
			if err = e.orphanAndReplace(ctx, rec); err != nil {
				return err
			}
		default:
			return errors.Wrapf(err, "query order %s", rec.ExchangeID)
		}
	}
	return nil
}

func (e *Engine) queryOrder(ctx context.Context, exchangeID string) (types.RemoteOrder, error) {
	if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
		return types.RemoteOrder{}, err
	}
	var ro types.RemoteOrder
	err := e.retry.Do(ctx, e.sugar, "queryOrder", func() error {
		var err2 error
		ro, err2 = e.gw.QueryOrder(ctx, e.symbol, exchangeID)
		return err2
	})
	return ro, err
}

// replaySubmission re-sends a place whose response was lost. The
// idempotency key guarantees the exchange creates at most one order.
func (e *Engine) replaySubmission(ctx context.Context, rec types.OrderRecord) error {
	if err := e.lim.WaitOrder(ctx, e.symbol); err != nil {
		return err
	}
	var exchangeID string
	err := e.retry.Do(ctx, e.sugar, "placeOrder", func() error {
		var err2 error
		exchangeID, err2 = e.gw.PlaceOrder(ctx, e.symbol, rec.Side, rec.Price, rec.Quantity, rec.ClientID)
		return err2
	})
	if err != nil {
		if gateway.IsRejection(err) {
			return e.retireRecord(ctx, rec, types.Rejected, "rejected")
		}
		e.sugar.Warnw("submission replay failed, will retry next pass",
			"symbol", e.symbol, "level", rec.LevelID, "error", err.Error())
		return nil
	}
	err = e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
		r.ExchangeID = exchangeID
		r.Status = types.Acknowledged
		return nil
	})
	if err != nil {
		return err
	}
	e.sugar.Infow("lost submission recovered",
		"symbol", e.symbol, "level", rec.LevelID, "exchangeId", exchangeID)
	e.persist(ctx, rec.LevelID)
	return nil
}

// orphanAndReplace archives an order the exchange no longer knows and
// submits a replacement for the level under a new idempotency key.
func (e *Engine) orphanAndReplace(ctx context.Context, rec types.OrderRecord) error {
	e.sugar.Errorw("order orphaned, replacing",
		"symbol", e.symbol,
		"level", rec.LevelID,
		"exchangeId", rec.ExchangeID,
		"misses", e.conf.MaxMisses,
	)
	_ = e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
		r.Orphaned = true
		return nil
	})
	if err := e.retireRecord(ctx, rec, types.Cancelled, "orphaned"); err != nil {
		return err
	}
	conf, ok := e.confs[rec.Level.Layer]
	if !ok {
		return nil
	}
	return e.placeLevel(ctx, conf, rec.Level)
}

// applyMismatches copies the authoritative remote status and fill
// quantity over the local record.
// mismatchEscalation is the number of consecutive passes a record may
// stay mismatched against the remote snapshot before the divergence is
// escalated for operator attention.
const mismatchEscalation = 3

func (e *Engine) applyMismatches(ctx context.Context, mismatched []ledger.Mismatch) error {
	seen := make(map[string]bool, len(mismatched))
	for _, m := range mismatched {
		seen[m.Local.LevelID] = true
		if err := e.applyRemote(ctx, m.Local.LevelID, m.Remote); err != nil {
			return err
		}
		rec, ok := e.led.Get(m.Local.LevelID)
		if ok && !rec.Status.Terminal() &&
			rec.Status == m.Local.Status && rec.FilledQty.Equal(m.Local.FilledQty) {
			// remote state could not be applied; the same mismatch
			// will come back next pass
			e.mismatchRuns[m.Local.LevelID]++
			if e.mismatchRuns[m.Local.LevelID] >= mismatchEscalation {
				delete(e.mismatchRuns, m.Local.LevelID)
				e.gov.EscalateDivergence(e.symbol,
					fmt.Sprintf("level %s stuck at %s, remote reports %s",
						m.Local.LevelID, rec.Status, m.Remote.Status),
					time.Now())
			}
			continue
		}
		delete(e.mismatchRuns, m.Local.LevelID)
	}
	for id := range e.mismatchRuns {
		if !seen[id] {
			delete(e.mismatchRuns, id)
		}
	}
	return nil
}

// applyRemote reconciles one local record with the remote truth.
func (e *Engine) applyRemote(ctx context.Context, levelID string, ro types.RemoteOrder) error {
	rec, ok := e.led.Get(levelID)
	if !ok || rec.Status.Terminal() {
		return nil
	}
	switch ro.Status {
	case types.Filled:
		return e.onFilled(ctx, rec, ro)
	case types.Cancelled, types.Expired, types.Rejected:
		return e.retireRecord(ctx, rec, ro.Status, "remote")
	case types.PartiallyFilled:
		err := e.led.Mutate(levelID, func(r *types.OrderRecord) error {
			if !r.Status.CanTransition(types.PartiallyFilled) {
				return errors.Wrapf(ledger.ErrInvalidTransition, "level %s", levelID)
			}
			r.Status = types.PartiallyFilled
			r.FilledQty = ro.FilledQty
			return nil
		})
		if err != nil {
			return err
		}
		e.persist(ctx, levelID)
	case types.Acknowledged:
		if rec.Status == types.Submitted {
			err := e.led.Mutate(levelID, func(r *types.OrderRecord) error {
				r.Status = types.Acknowledged
				if r.ExchangeID == "" {
					r.ExchangeID = ro.ExchangeID
				}
				return nil
			})
			if err != nil {
				return err
			}
			e.persist(ctx, levelID)
		}
	}
	return nil
}

// onFilled settles a fill: the vacated level is archived, capital is
// released, PnL recorded, the opposite-side order posted at the same
// price, and the ladder extended one step past its far edge.
func (e *Engine) onFilled(ctx context.Context, rec types.OrderRecord, ro types.RemoteOrder) error {
	fillQty := ro.FilledQty
	if !fillQty.IsPositive() {
		fillQty = rec.Quantity
	}
	fillPrice := ro.Price
	if !fillPrice.IsPositive() {
		fillPrice = rec.Price
	}
	err := e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
		if !r.Status.CanTransition(types.Filled) {
			return errors.Wrapf(ledger.ErrInvalidTransition, "level %s", rec.LevelID)
		}
		r.Status = types.Filled
		r.FilledQty = fillQty
		r.AvgFillPrice = fillPrice
		return nil
	})
	if err != nil {
		return err
	}
	metrics.OrdersFilled.WithLabelValues(e.symbol, string(rec.Level.Layer), string(rec.Side)).Inc()
	if rec.Level.Index > 0 {
		e.pool.Release(e.symbol, rec.Level.Layer, rec.Notional())
	}

	profit := e.settleProfit(rec, fillPrice, fillQty)
	e.sugar.Infow("order filled",
		"symbol", e.symbol,
		"level", rec.LevelID,
		"side", rec.Side,
		"price", fillPrice.String(),
		"quantity", fillQty.String(),
		"profit", profit.String(),
	)
	trade := types.Trade{
		TradeID:    uuid.NewString(),
		Symbol:     e.symbol,
		LevelID:    rec.LevelID,
		Layer:      rec.Level.Layer,
		Side:       rec.Side,
		Price:      fillPrice.String(),
		Quantity:   fillQty.String(),
		Profit:     profit.String(),
		ExecutedAt: time.Now(),
	}
	if e.rec != nil {
		if err = e.rec.SaveTrade(ctx, trade); err != nil {
			e.sugar.Errorw("trade not persisted", "symbol", e.symbol, "error", err.Error())
		}
	}
	e.hub.Publish(types.Event{
		Type:   types.EventOrderFilled,
		Symbol: e.symbol,
		Time:   time.Now(),
		Data: map[string]interface{}{
			"level": rec.LevelID,
			"side":  string(rec.Side),
			"price": fillPrice.String(),
		},
	})
	e.hub.Publish(types.Event{
		Type:   types.EventTradeExecuted,
		Symbol: e.symbol,
		Time:   time.Now(),
		Data: map[string]interface{}{
			"tradeId": trade.TradeID,
			"side":    string(rec.Side),
			"price":   trade.Price,
			"profit":  trade.Profit,
		},
	})
	e.gov.RecordPnL(e.symbol, profit, decimal.Zero, time.Now())

	if err = e.archiveRecord(ctx, rec.LevelID); err != nil {
		return err
	}
	if e.gov.SymbolHalted(e.symbol) {
		return nil
	}
	if err = e.postOpposite(ctx, rec, fillPrice, fillQty); err != nil {
		return err
	}
	return e.extendLadder(ctx, rec)
}

// settleProfit records realized profit using the cost basis carried by
// sell levels. A buy fill seeds the basis of the sell it spawns.
func (e *Engine) settleProfit(rec types.OrderRecord, fillPrice, fillQty decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.Side != types.Sell {
		return decimal.Zero
	}
	cost, ok := e.costBasis[rec.LevelID]
	if !ok {
		return decimal.Zero
	}
	delete(e.costBasis, rec.LevelID)
	profit := fillPrice.Mul(fillQty).Sub(cost)
	e.realized = e.realized.Add(profit)
	return profit
}

// postOpposite places the opposite-side order at the fill price,
// continuing the grid cycle.
func (e *Engine) postOpposite(ctx context.Context, rec types.OrderRecord, fillPrice, fillQty decimal.Decimal) error {
	conf, ok := e.confs[rec.Level.Layer]
	if !ok {
		return nil
	}
	lv := types.GridLevel{
		Layer:    rec.Level.Layer,
		Side:     rec.Side.Opposite(),
		Index:    rec.Level.Index,
		Price:    rec.Price,
		Quantity: fillQty,
	}
	if err := e.placeLevel(ctx, conf, lv); err != nil {
		return err
	}
	if rec.Side == types.Buy {
		e.mu.Lock()
		e.costBasis[lv.ID()] = fillPrice.Mul(fillQty)
		e.mu.Unlock()
	}
	return nil
}

// extendLadder grows the filled side one spacing step past its far
// edge, keeping ladder depth constant as the grid walks.
func (e *Engine) extendLadder(ctx context.Context, rec types.OrderRecord) error {
	conf, ok := e.confs[rec.Level.Layer]
	if !ok {
		return nil
	}
	e.mu.Lock()
	lad := e.ladders[rec.Level.Layer]
	e.mu.Unlock()
	if lad == nil {
		return nil
	}
	var (
		lv  types.GridLevel
		err error
	)
	if rec.Side == types.Buy {
		lv, err = lad.NextBuyLevel(e.sym, conf)
	} else {
		lv, err = lad.NextSellLevel(e.sym, conf)
	}
	if err != nil {
		e.sugar.Warnw("ladder extension not tradable",
			"symbol", e.symbol, "layer", rec.Level.Layer, "error", err.Error())
		return nil
	}
	e.mu.Lock()
	lad.Extend(lv)
	e.mu.Unlock()
	return e.placeLevel(ctx, conf, lv)
}

// expireStale cancels and re-levels resting orders older than the
// configured timeout.
func (e *Engine) expireStale(ctx context.Context, price decimal.Decimal) error {
	if e.conf.OrderTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-e.conf.OrderTimeout)
	for _, rec := range e.led.Active() {
		if rec.Status != types.Acknowledged && rec.Status != types.PartiallyFilled {
			continue
		}
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		e.sugar.Infow("stale order, re-leveling",
			"symbol", e.symbol, "level", rec.LevelID, "age", time.Since(rec.CreatedAt).String())
		if err := e.cancelRecord(ctx, rec, "timeout"); err != nil {
			return err
		}
	}
	return nil
}

// applyEvictions executes pending allocator directives inside the pass.
func (e *Engine) applyEvictions(ctx context.Context) error {
	e.mu.Lock()
	plan := e.evictions
	e.evictions = nil
	e.mu.Unlock()
	for _, victim := range plan {
		rec, ok := e.led.Get(victim.LevelID)
		if !ok || rec.Status.Terminal() {
			continue
		}
		if err := e.cancelRecord(ctx, rec, "eviction"); err != nil {
			return err
		}
	}
	return nil
}

// flatten cancels every resting order after a halt.
func (e *Engine) flatten(ctx context.Context) error {
	active := e.led.Active()
	e.sugar.Warnw("flattening exposure", "symbol", e.symbol, "orders", len(active))
	for _, rec := range active {
		if err := e.cancelRecord(ctx, rec, "halt"); err != nil {
			return err
		}
	}
	return nil
}

// CancelAll cancels every resting order. It is for retiring a symbol
// after its run loop has stopped; a running engine flattens through
// its own pass instead.
func (e *Engine) CancelAll(ctx context.Context) error {
	return e.flatten(ctx)
}

// placeMissing walks every ladder level without a live order and
// submits it: buys below the price, sells above it. At most one live
// order rests per price point, so a level vacated by a fill stays free
// while its opposite-side rebuild occupies the price.
func (e *Engine) placeMissing(ctx context.Context, price decimal.Decimal) error {
	occupied := make(map[string]bool)
	for _, rec := range e.led.Active() {
		occupied[rec.Price.String()] = true
	}
	for _, kind := range types.Layers() {
		conf, ok := e.confs[kind]
		if !ok {
			continue
		}
		e.mu.Lock()
		lad := e.ladders[kind]
		e.mu.Unlock()
		if lad == nil {
			continue
		}
		for _, lv := range lad.Levels {
			if lv.Side == types.Buy && lv.Price.GreaterThanOrEqual(price) {
				continue
			}
			if lv.Side == types.Sell && lv.Price.LessThanOrEqual(price) {
				continue
			}
			if occupied[lv.Price.String()] {
				continue
			}
			if rec, ok := e.led.Get(lv.ID()); ok && !rec.Status.Terminal() {
				continue
			}
			if err := e.placeLevel(ctx, conf, lv); err != nil {
				return err
			}
			occupied[lv.Price.String()] = true
		}
	}
	return nil
}

// placeLevel reserves capital and submits one order for a level,
// walking the record through INTENDED -> SUBMITTED -> ACKNOWLEDGED.
func (e *Engine) placeLevel(ctx context.Context, conf grid.LayerConf, lv types.GridLevel) error {
	if allowed, cause := e.gov.AllowSubmit(e.symbol, time.Now()); !allowed {
		e.sugar.Debugw("submission blocked",
			"symbol", e.symbol, "level", lv.ID(), "cause", string(cause))
		return nil
	}
	notional := lv.Price.Mul(lv.Quantity)
	if err := e.pool.Reserve(e.symbol, conf.Kind, notional); err != nil {
		if errors.Is(err, capital.ErrExhausted) {
			e.sugar.Debugw("layer budget exhausted",
				"symbol", e.symbol, "layer", conf.Kind, "level", lv.ID())
			e.pressure()
			return nil
		}
		return err
	}
	rec := types.OrderRecord{
		Level:    lv,
		LevelID:  lv.ID(),
		ClientID: uuid.NewString(),
		Side:     lv.Side,
		Price:    lv.Price,
		Quantity: lv.Quantity,
		Status:   types.Intended,
	}
	if err := e.led.Upsert(rec); err != nil {
		e.pool.Release(e.symbol, conf.Kind, notional)
		if errors.Is(err, ledger.ErrLevelOccupied) {
			return nil
		}
		return err
	}
	if err := e.led.Transition(rec.LevelID, types.Submitted); err != nil {
		return err
	}
	e.persist(ctx, rec.LevelID)

	if err := e.lim.WaitOrder(ctx, e.symbol); err != nil {
		return err
	}
	var exchangeID string
	err := e.retry.Do(ctx, e.sugar, "placeOrder", func() error {
		var err2 error
		exchangeID, err2 = e.gw.PlaceOrder(ctx, e.symbol, rec.Side, rec.Price, rec.Quantity, rec.ClientID)
		return err2
	})
	if err != nil {
		if gateway.IsRejection(err) {
			e.sugar.Warnw("order rejected",
				"symbol", e.symbol, "level", rec.LevelID, "error", err.Error())
			return e.retireRecord(ctx, rec, types.Rejected, "rejected")
		}
		// left at SUBMITTED: the next pass replays under the same key
		e.sugar.Warnw("order submission unconfirmed",
			"symbol", e.symbol, "level", rec.LevelID, "error", err.Error())
		return nil
	}
	err = e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
		r.ExchangeID = exchangeID
		r.Status = types.Acknowledged
		return nil
	})
	if err != nil {
		return err
	}
	metrics.OrdersPlaced.WithLabelValues(e.symbol, string(conf.Kind), string(lv.Side)).Inc()
	e.sugar.Debugw("order placed",
		"symbol", e.symbol,
		"level", rec.LevelID,
		"side", rec.Side,
		"price", rec.Price.String(),
		"quantity", rec.Quantity.String(),
	)
	e.persist(ctx, rec.LevelID)
	return nil
}

// cancelRecord cancels a resting order on the exchange and retires it
// locally, releasing its reserved notional.
func (e *Engine) cancelRecord(ctx context.Context, rec types.OrderRecord, reason string) error {
	if rec.ExchangeID != "" {
		if err := e.lim.WaitRequest(ctx, e.symbol); err != nil {
			return err
		}
		err := e.retry.Do(ctx, e.sugar, "cancelOrder", func() error {
			return e.gw.CancelOrder(ctx, e.symbol, rec.ExchangeID)
		})
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return errors.Wrapf(err, "cancel %s", rec.ExchangeID)
		}
	}
	metrics.OrdersCancelled.WithLabelValues(e.symbol, reason).Inc()
	return e.retireRecord(ctx, rec, types.Cancelled, reason)
}

// retireRecord moves a record to a terminal status, archives it, and
// releases its capital.
func (e *Engine) retireRecord(ctx context.Context, rec types.OrderRecord, status types.OrderStatus, reason string) error {
	err := e.led.Mutate(rec.LevelID, func(r *types.OrderRecord) error {
		if r.Status == status {
			return nil
		}
		if !r.Status.CanTransition(status) {
			return errors.Wrapf(ledger.ErrInvalidTransition, "level %s: %s -> %s", rec.LevelID, r.Status, status)
		}
		r.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	// adopted external orders (index 0) never reserved capital
	if rec.Level.Index > 0 {
		e.pool.Release(e.symbol, rec.Level.Layer, rec.Notional())
	}
	e.sugar.Debugw("order retired",
		"symbol", e.symbol, "level", rec.LevelID, "status", status.String(), "reason", reason)
	return e.archiveRecord(ctx, rec.LevelID)
}

func (e *Engine) archiveRecord(ctx context.Context, levelID string) error {
	if err := e.led.Archive(levelID); err != nil {
		return err
	}
	if e.rec != nil {
		if err := e.rec.RemoveOrder(ctx, e.symbol, levelID); err != nil {
			e.sugar.Errorw("archived order not removed from store",
				"symbol", e.symbol, "level", levelID, "error", err.Error())
		}
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, levelID string) {
	if e.rec == nil {
		return
	}
	rec, ok := e.led.Get(levelID)
	if !ok {
		return
	}
	if err := e.rec.SaveOrder(ctx, e.symbol, rec); err != nil {
		e.sugar.Errorw("order not persisted",
			"symbol", e.symbol, "level", levelID, "error", err.Error())
	}
}

// Flush persists every live record, called on shutdown.
func (e *Engine) Flush(ctx context.Context) {
	if e.rec == nil {
		return
	}
	for _, rec := range e.led.Active() {
		if err := e.rec.SaveOrder(ctx, e.symbol, rec); err != nil {
			e.sugar.Errorw("flush failed",
				"symbol", e.symbol, "level", rec.LevelID, "error", err.Error())
		}
	}
}

// Status is one symbol's slice of the aggregated snapshot.
type Status struct {
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	Regime   string `json:"regime"`
	Realized string `json:"realized"`
	Active   int    `json:"active"`
	Archived int    `json:"archived"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	price := e.lastPrice
	regime := e.regime
	realized := e.realized
	e.mu.Unlock()
	return Status{
		Symbol:   e.symbol,
		Price:    price.String(),
		Regime:   regime.String(),
		Realized: realized.String(),
		Active:   len(e.led.Active()),
		Archived: len(e.led.Archived()),
	}
}
