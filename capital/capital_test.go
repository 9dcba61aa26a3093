package capital

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/report"
	"github.com/quantgrid/qgr/types"
)

func testSugar() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReserveRelease(t *testing.T) {
	p := NewPool(d("1000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{
		types.HighFreq:  d("400"),
		types.MainTrend: d("350"),
		types.Insurance: d("250"),
	}))

	require.NoError(t, p.Reserve("BTCUSDT", types.HighFreq, d("300")))
	require.Equal(t, "0.75", p.Utilization("BTCUSDT", types.HighFreq).String())

	err := p.Reserve("BTCUSDT", types.HighFreq, d("150"))
	require.True(t, errors.Is(err, ErrExhausted))

	p.Release("BTCUSDT", types.HighFreq, d("200"))
	require.NoError(t, p.Reserve("BTCUSDT", types.HighFreq, d("150")))
}

func TestAdmitOverPool(t *testing.T) {
	p := NewPool(d("500"), testSugar())
	require.NoError(t, p.Admit("A", LayerBudgets{types.HighFreq: d("300")}))
	err := p.Admit("B", LayerBudgets{types.HighFreq: d("300")})
	require.Error(t, err)
}

func TestLockedNeverExceedsBudgetUnderLoad(t *testing.T) {
	p := NewPool(d("1000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{types.HighFreq: d("500")}))

	var writers sync.WaitGroup
	done := make(chan struct{})
	var samplers sync.WaitGroup

	// samplers assert the invariant while reservers hammer the pool
	for i := 0; i < 4; i++ {
		samplers.Add(1)
		go func() {
			defer samplers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				locked := p.Locked("BTCUSDT", types.HighFreq)
				budget := p.Budget("BTCUSDT", types.HighFreq)
				if locked.GreaterThan(budget) {
					t.Errorf("locked %s exceeds budget %s", locked, budget)
					return
				}
			}
		}()
	}

	for i := 0; i < 8; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 200; j++ {
				if err := p.Reserve("BTCUSDT", types.HighFreq, d("90")); err == nil {
					p.Release("BTCUSDT", types.HighFreq, d("90"))
				}
			}
		}()
	}

	// rebalance concurrently: budgets shrink and grow mid-flight
	writers.Add(1)
	go func() {
		defer writers.Done()
		for j := 0; j < 50; j++ {
			_ = p.SetBudgets(map[string]LayerBudgets{
				"BTCUSDT": {types.HighFreq: d("300")},
			})
			_ = p.SetBudgets(map[string]LayerBudgets{
				"BTCUSDT": {types.HighFreq: d("500")},
			})
		}
	}()

	writers.Wait()
	close(done)
	samplers.Wait()
}

func TestEvictionsFarthestFirst(t *testing.T) {
	p := NewPool(d("2000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{types.Insurance: d("1000")}))

	// 8 resting insurance orders of 90 notional each: utilization 72%
	var resting []types.OrderRecord
	prices := []string{"55", "67", "79", "91", "109", "121", "133", "145"}
	for i, ps := range prices {
		price := d(ps)
		qty := d("90").Div(price)
		rec := types.OrderRecord{
			LevelID:  fmt.Sprintf("ins-%d", i),
			Level:    types.GridLevel{Layer: types.Insurance},
			Price:    price,
			Quantity: qty,
			Status:   types.Acknowledged,
		}
		require.NoError(t, p.Reserve("BTCUSDT", types.Insurance, rec.Notional()))
		resting = append(resting, rec)
	}
	require.Equal(t, "0.72", p.Utilization("BTCUSDT", types.Insurance).StringFixed(2))

	a := NewAllocator(p, DefaultAllocatorConf(), report.NewHub(testSugar()), testSugar())
	plan := a.Evictions("BTCUSDT", d("100"), map[types.LayerKind][]types.OrderRecord{
		types.Insurance: resting,
	})

	// farthest 50% by price distance from 100: 55, 145, 67, 133
	require.Len(t, plan, 4)
	got := map[string]bool{}
	for _, rec := range plan {
		got[rec.Price.String()] = true
		p.Release("BTCUSDT", types.Insurance, rec.Notional())
	}
	for _, want := range []string{"55", "145", "67", "133"} {
		require.True(t, got[want], "expected price %s evicted", want)
	}
	require.True(t, p.Utilization("BTCUSDT", types.Insurance).LessThan(d("0.70")))
}

func TestEvictionsBelowThresholdUntouched(t *testing.T) {
	p := NewPool(d("2000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{types.Insurance: d("1000")}))
	require.NoError(t, p.Reserve("BTCUSDT", types.Insurance, d("500")))

	a := NewAllocator(p, DefaultAllocatorConf(), report.NewHub(testSugar()), testSugar())
	plan := a.Evictions("BTCUSDT", d("100"), map[types.LayerKind][]types.OrderRecord{
		types.Insurance: {{LevelID: "x", Price: d("50"), Quantity: d("1")}},
	})
	require.Empty(t, plan)
}

func TestRegimeWeights(t *testing.T) {
	a := NewAllocator(NewPool(d("1000"), testSugar()), DefaultAllocatorConf(), report.NewHub(testSugar()), testSugar())

	w := a.Weights(types.Ranging)
	require.Equal(t, "0.4", w[types.HighFreq].String())

	// volatile wants 40% insurance which sits exactly at the cap
	w = a.Weights(types.Volatile)
	require.Equal(t, "0.4", w[types.Insurance].String())

	// cap spills excess into main trend
	tight := DefaultAllocatorConf()
	tight.MaxInsuranceWeight = d("0.30")
	a = NewAllocator(NewPool(d("1000"), testSugar()), tight, report.NewHub(testSugar()), testSugar())
	w = a.Weights(types.Volatile)
	require.Equal(t, "0.3", w[types.Insurance].String())
	require.Equal(t, "0.5", w[types.MainTrend].String())
}

func TestRebalanceAtomicAndSkipsHalted(t *testing.T) {
	p := NewPool(d("3000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{
		types.HighFreq: d("500"), types.MainTrend: d("500"), types.Insurance: d("500"),
	}))
	require.NoError(t, p.Admit("ETHUSDT", LayerBudgets{
		types.HighFreq: d("500"), types.MainTrend: d("500"), types.Insurance: d("500"),
	}))

	a := NewAllocator(p, DefaultAllocatorConf(), report.NewHub(testSugar()), testSugar())
	require.NoError(t, a.Rebalance(types.Ranging, nil, func(sym string) bool {
		return sym == "ETHUSDT" // halted, budgets untouched
	}))

	require.Equal(t, "500", p.Budget("ETHUSDT", types.HighFreq).String())

	// BTC got the remaining 1500 split by ranging weights 40/35/25
	require.Equal(t, "600", p.Budget("BTCUSDT", types.HighFreq).String())
	require.Equal(t, "525", p.Budget("BTCUSDT", types.MainTrend).String())
	require.Equal(t, "375", p.Budget("BTCUSDT", types.Insurance).String())

	// sum across symbols never exceeds the pool
	sum := decimal.Zero
	for _, sym := range p.Symbols() {
		for _, layer := range types.Layers() {
			sum = sum.Add(p.Budget(sym, layer))
		}
	}
	require.True(t, sum.LessThanOrEqual(p.Total()))
}

func TestRebalanceWeighted(t *testing.T) {
	p := NewPool(d("3000"), testSugar())
	require.NoError(t, p.Admit("BTCUSDT", LayerBudgets{types.HighFreq: d("100")}))
	require.NoError(t, p.Admit("ETHUSDT", LayerBudgets{types.HighFreq: d("100")}))

	a := NewAllocator(p, DefaultAllocatorConf(), report.NewHub(testSugar()), testSugar())
	require.NoError(t, a.Rebalance(types.Ranging, map[string]decimal.Decimal{
		"BTCUSDT": d("2"),
		"ETHUSDT": d("1"),
	}, nil))

	// BTC's share is twice ETH's
	btc := p.Budget("BTCUSDT", types.HighFreq)
	eth := p.Budget("ETHUSDT", types.HighFreq)
	require.Equal(t, "2", btc.Div(eth).Round(6).String())
}
