package capital

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/report"
	"github.com/quantgrid/qgr/types"
)

// AllocatorConf tunes the rebalancing policy. Ratios are fractions of
// the relevant budget or pool.
type AllocatorConf struct {
	FrozenThreshold     decimal.Decimal // layer utilization triggering eviction
	AggressiveThreshold decimal.Decimal // utilization adding main-trend recovery
	EvictionFraction    decimal.Decimal // share of orders evicted, farthest first
	MainTrendFraction   decimal.Decimal // share evicted from main-trend when aggressive
	LayerFloor          decimal.Decimal // minimum layer budget as ratio of its symbol share
	LayerCeiling        decimal.Decimal // maximum layer budget as ratio of its symbol share
	MaxInsuranceWeight  decimal.Decimal // hard cap on the insurance regime weight
}

func DefaultAllocatorConf() AllocatorConf {
	return AllocatorConf{
		FrozenThreshold:     decimal.RequireFromString("0.70"),
		AggressiveThreshold: decimal.RequireFromString("0.80"),
		EvictionFraction:    decimal.RequireFromString("0.50"),
		MainTrendFraction:   decimal.RequireFromString("0.25"),
		LayerFloor:          decimal.RequireFromString("0.05"),
		LayerCeiling:        decimal.RequireFromString("0.60"),
		MaxInsuranceWeight:  decimal.RequireFromString("0.40"),
	}
}

// Allocator applies the capital policy: farthest-first eviction under
// pressure and regime-weighted redistribution across layers and
// symbols.
type Allocator struct {
	pool  *Pool
	conf  AllocatorConf
	hub   *report.Hub
	sugar *zap.SugaredLogger
}

func NewAllocator(pool *Pool, conf AllocatorConf, hub *report.Hub, sugar *zap.SugaredLogger) *Allocator {
	return &Allocator{pool: pool, conf: conf, hub: hub, sugar: sugar}
}

// regimeWeights is the regime -> layer-weight table. One lookup instead
// of scattered market-condition branches.
var regimeWeights = map[types.MarketRegime]map[types.LayerKind]decimal.Decimal{
	types.Ranging: {
		types.HighFreq:  decimal.RequireFromString("0.40"),
		types.MainTrend: decimal.RequireFromString("0.35"),
		types.Insurance: decimal.RequireFromString("0.25"),
	},
	types.Trending: {
		types.HighFreq:  decimal.RequireFromString("0.25"),
		types.MainTrend: decimal.RequireFromString("0.50"),
		types.Insurance: decimal.RequireFromString("0.25"),
	},
	types.Volatile: {
		types.HighFreq:  decimal.RequireFromString("0.20"),
		types.MainTrend: decimal.RequireFromString("0.40"),
		types.Insurance: decimal.RequireFromString("0.40"),
	},
}

// Weights returns the layer weights for a regime with the insurance cap
// applied; excess insurance weight spills into the main-trend layer.
func (a *Allocator) Weights(regime types.MarketRegime) map[types.LayerKind]decimal.Decimal {
	base := regimeWeights[regime]
	out := make(map[types.LayerKind]decimal.Decimal, len(base))
	for k, v := range base {
		out[k] = v
	}
	if out[types.Insurance].GreaterThan(a.conf.MaxInsuranceWeight) {
		excess := out[types.Insurance].Sub(a.conf.MaxInsuranceWeight)
		out[types.Insurance] = a.conf.MaxInsuranceWeight
		out[types.MainTrend] = out[types.MainTrend].Add(excess)
	}
	return out
}

// Evictions picks the resting orders to cancel for one symbol under
// capital pressure: for each layer over its frozen threshold, the
// farthest-from-price fraction of its orders, farthest first. Orders in
// the main-trend layer are only touched past the aggressive threshold,
// and more conservatively.
func (a *Allocator) Evictions(symbol string, lastPrice decimal.Decimal, byLayer map[types.LayerKind][]types.OrderRecord) []types.OrderRecord {
	var plan []types.OrderRecord
	for _, layer := range types.Layers() {
		resting := byLayer[layer]
		if len(resting) == 0 {
			continue
		}
		util := a.pool.Utilization(symbol, layer)
		if util.LessThanOrEqual(a.conf.FrozenThreshold) {
			continue
		}
		fraction := a.conf.EvictionFraction
		if layer == types.MainTrend {
			if util.LessThanOrEqual(a.conf.AggressiveThreshold) {
				continue
			}
			fraction = a.conf.MainTrendFraction
		}
		picked := farthestFirst(resting, lastPrice, fraction)
		a.sugar.Warnw("capital pressure, evicting farthest orders",
			"symbol", symbol,
			"layer", layer,
			"utilization", util.String(),
			"resting", len(resting),
			"evicting", len(picked),
		)
		plan = append(plan, picked...)
	}
	return plan
}

// farthestFirst sorts by relative distance from price, descending, and
// returns the first floor(len*fraction) entries.
func farthestFirst(resting []types.OrderRecord, price decimal.Decimal, fraction decimal.Decimal) []types.OrderRecord {
	sorted := make([]types.OrderRecord, len(resting))
	copy(sorted, resting)
	sort.Slice(sorted, func(i, j int) bool {
		di := sorted[i].Price.Sub(price).Abs()
		dj := sorted[j].Price.Sub(price).Abs()
		if di.Equal(dj) {
			return sorted[i].LevelID < sorted[j].LevelID
		}
		return di.GreaterThan(dj)
	})
	n := int(decimal.NewFromInt(int64(len(sorted))).Mul(fraction).IntPart())
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// Rebalance recomputes every symbol's layer budgets and applies them in
// one atomic swap. Symbol shares split the pool equally unless weights
// are supplied; halted symbols keep their current budgets untouched
// (risk halts take priority over capital rebalancing).
func (a *Allocator) Rebalance(regime types.MarketRegime, symbolWeights map[string]decimal.Decimal, halted func(string) bool) error {
	symbols := a.pool.Symbols()
	if len(symbols) == 0 {
		return nil
	}
	sort.Strings(symbols)

	var active []string
	for _, sym := range symbols {
		if halted == nil || !halted(sym) {
			active = append(active, sym)
		}
	}
	if len(active) == 0 {
		return nil
	}

	totalWeight := decimal.Zero
	for _, sym := range active {
		totalWeight = totalWeight.Add(a.symbolWeight(sym, symbolWeights))
	}
	if !totalWeight.IsPositive() {
		return nil
	}

	// the pool share already claimed by halted symbols stays theirs
	free := a.pool.Total()
	for _, sym := range symbols {
		if halted != nil && halted(sym) {
			for _, layer := range types.Layers() {
				free = free.Sub(a.pool.Budget(sym, layer))
			}
		}
	}

	layerWeights := a.Weights(regime)
	next := make(map[string]LayerBudgets, len(active))
	for _, sym := range active {
		share := free.Mul(a.symbolWeight(sym, symbolWeights)).Div(totalWeight)
		budgets := make(LayerBudgets, len(layerWeights))
		floor := share.Mul(a.conf.LayerFloor)
		ceiling := share.Mul(a.conf.LayerCeiling)
		for layer, w := range layerWeights {
			b := share.Mul(w)
			if b.LessThan(floor) {
				b = floor
			}
			if b.GreaterThan(ceiling) {
				b = ceiling
			}
			budgets[layer] = b
		}
		next[sym] = budgets
	}

	before := a.pool.Snapshot()
	if err := a.pool.SetBudgets(next); err != nil {
		return err
	}
	a.sugar.Infow("capital rebalanced",
		"regime", regime.String(),
		"symbols", len(active),
	)
	a.hub.Publish(types.Event{
		Type: types.EventRebalanceApplied,
		Time: time.Now(),
		Data: map[string]interface{}{
			"regime": regime.String(),
			"before": before,
			"after":  a.pool.Snapshot(),
		},
	})
	return nil
}

func (a *Allocator) symbolWeight(symbol string, weights map[string]decimal.Decimal) decimal.Decimal {
	if weights == nil {
		return decimal.New(1, 0)
	}
	if w, ok := weights[symbol]; ok && w.IsPositive() {
		return w
	}
	return decimal.New(1, 0)
}
