package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/qgr/types"
)

func testSymbol() types.Symbol {
	return types.Symbol{
		Symbol:          "BTCUSDT",
		BaseCurrency:    "BTC",
		QuoteCurrency:   "USDT",
		PricePrecision:  2,
		AmountPrecision: 6,
		MinAmount:       decimal.RequireFromString("0.000001"),
		MinTotal:        decimal.RequireFromString("1"),
	}
}

func highFreqConf() LayerConf {
	return LayerConf{
		Kind:      types.HighFreq,
		Range:     decimal.RequireFromString("0.03"),
		Spacing:   decimal.RequireFromString("0.005"),
		OrderSize: decimal.RequireFromString("20"),
	}
}

func TestBuildLadder(t *testing.T) {
	sym := testSymbol()
	l, err := Build(sym, highFreqConf(), decimal.RequireFromString("100"))
	require.NoError(t, err)

	var buys, sells []string
	for _, lv := range l.Levels {
		if lv.Side == types.Buy {
			buys = append(buys, lv.Price.StringFixed(2))
		} else {
			sells = append(sells, lv.Price.StringFixed(2))
		}
	}
	require.Equal(t, []string{"99.50", "99.00", "98.50", "98.01", "97.52", "97.03"}, buys)
	require.Equal(t, []string{"100.50", "101.00", "101.50", "102.01", "102.52", "103.03"}, sells)
}

func TestBuildDeterministic(t *testing.T) {
	sym := testSymbol()
	center := decimal.RequireFromString("41235.17")
	a, err := Build(sym, highFreqConf(), center)
	require.NoError(t, err)
	b, err := Build(sym, highFreqConf(), center)
	require.NoError(t, err)
	require.Equal(t, len(a.Levels), len(b.Levels))
	for i := range a.Levels {
		require.True(t, a.Levels[i].Price.Equal(b.Levels[i].Price))
		require.True(t, a.Levels[i].Quantity.Equal(b.Levels[i].Quantity))
		require.Equal(t, a.Levels[i].ID(), b.Levels[i].ID())
	}
}

func TestBuildMonotonicAndSized(t *testing.T) {
	sym := testSymbol()
	tests := []struct {
		price   string
		rng     string
		spacing string
		depth   int
	}{
		{"100", "0.03", "0.005", 6},
		{"100", "0.15", "0.01", 15},
		{"250.33", "0.50", "0.05", 10},
		{"1523.4", "0.10", "0.02", 5},
	}
	for _, tt := range tests {
		conf := LayerConf{
			Kind:      types.MainTrend,
			Range:     decimal.RequireFromString(tt.rng),
			Spacing:   decimal.RequireFromString(tt.spacing),
			OrderSize: decimal.RequireFromString("50"),
		}
		l, err := Build(sym, conf, decimal.RequireFromString(tt.price))
		require.NoError(t, err)

		tick := sym.PriceTick()
		lastBuy := l.Center
		lastSell := l.Center
		buys, sells := 0, 0
		for _, lv := range l.Levels {
			// every level lands on the price grid
			require.True(t, lv.Price.Mod(tick).IsZero(), "price %s off tick", lv.Price)
			if lv.Side == types.Buy {
				require.True(t, lv.Price.LessThan(lastBuy), "buy ladder not strictly decreasing")
				lastBuy = lv.Price
				buys++
			} else {
				require.True(t, lv.Price.GreaterThan(lastSell), "sell ladder not strictly increasing")
				lastSell = lv.Price
				sells++
			}
		}
		require.Equal(t, tt.depth, buys, "price %s", tt.price)
		require.Equal(t, tt.depth, sells, "price %s", tt.price)
	}
}

func TestValidateRejects(t *testing.T) {
	sym := testSymbol()
	price := decimal.RequireFromString("100")

	c := highFreqConf()
	c.Spacing = decimal.RequireFromString("0.00005") // 0.005 step at price 100, tick is 0.01
	require.Error(t, c.Validate(sym, price))

	c = highFreqConf()
	c.Range = decimal.RequireFromString("0.001") // narrower than spacing
	require.Error(t, c.Validate(sym, price))

	c = highFreqConf()
	c.OrderSize = decimal.RequireFromString("0.5") // below minTotal
	require.Error(t, c.Validate(sym, price))

	require.NoError(t, highFreqConf().Validate(sym, price))
}

func TestEnvelope(t *testing.T) {
	sym := testSymbol()
	l, err := Build(sym, highFreqConf(), decimal.RequireFromString("100"))
	require.NoError(t, err)
	require.True(t, l.Contains(decimal.RequireFromString("99.2")))
	require.True(t, l.Contains(decimal.RequireFromString("102.9")))
	require.False(t, l.Contains(decimal.RequireFromString("96.5")))
	require.False(t, l.Contains(decimal.RequireFromString("103.5")))
}

func TestEnvelopeCoversOutermostLevels(t *testing.T) {
	sym := testSymbol()
	l, err := Build(sym, highFreqConf(), decimal.RequireFromString("100"))
	require.NoError(t, err)

	// compounded steps put the outermost sell at 103.03, past the
	// nominal 3% band; a tick at a resting level is not a gap jump
	require.True(t, l.High.GreaterThanOrEqual(decimal.RequireFromString("103.03")))
	for _, lv := range l.Levels {
		require.True(t, l.Contains(lv.Price), "level %s outside envelope", lv.Price)
	}
}

func TestNextBuyLevel(t *testing.T) {
	sym := testSymbol()
	conf := highFreqConf()
	l, err := Build(sym, conf, decimal.RequireFromString("100"))
	require.NoError(t, err)

	lv, err := l.NextBuyLevel(sym, conf)
	require.NoError(t, err)
	require.Equal(t, 7, lv.Index)
	// one spacing step below the current floor 97.03
	require.Equal(t, "96.54", lv.Price.StringFixed(2))

	sl, err := l.NextSellLevel(sym, conf)
	require.NoError(t, err)
	require.Equal(t, 7, sl.Index)
	require.Equal(t, "103.54", sl.Price.StringFixed(2))
}
