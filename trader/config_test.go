package trader

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/qgr/types"
)

func validConfig() Config {
	return Config{
		Capital: CapitalConf{Total: "10000"},
		Risk:    RiskConf{MaxDrawdown: "0.2"},
		Engine:  EngineConf{Interval: "10s"},
		Symbols: []SymbolConf{
			{
				Symbol:   "BTC/USDT",
				HighFreq: LayerConf{Range: "0.03", Spacing: "0.005", OrderSize: "10"},
			},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	noSymbols := validConfig()
	noSymbols.Symbols = nil
	assert.Error(t, noSymbols.Validate())

	dup := validConfig()
	dup.Symbols = append(dup.Symbols, dup.Symbols[0])
	assert.Error(t, dup.Validate())

	badTotal := validConfig()
	badTotal.Capital.Total = "-1"
	assert.Error(t, badTotal.Validate())

	badSpacing := validConfig()
	badSpacing.Symbols[0].HighFreq.Spacing = "zero"
	assert.Error(t, badSpacing.Validate())

	badInterval := validConfig()
	badInterval.Engine.Interval = "soon"
	assert.Error(t, badInterval.Validate())

	noLayers := validConfig()
	noLayers.Symbols[0].HighFreq = LayerConf{}
	assert.Error(t, noLayers.Validate())

	badStop := validConfig()
	badStop.Symbols[0].StopLoss = "-100"
	assert.Error(t, badStop.Validate())
}

func TestLayersSkipsDisabled(t *testing.T) {
	sc := SymbolConf{
		Symbol:    "ETH/USDT",
		MainTrend: LayerConf{Range: "0.10", Spacing: "0.02", OrderSize: "50"},
	}
	layers, err := sc.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, types.MainTrend, layers[0].Kind)
}

func TestParsedWeightDefaultsToOne(t *testing.T) {
	w, err := SymbolConf{Symbol: "BTC/USDT"}.ParsedWeight()
	require.NoError(t, err)
	assert.True(t, w.Equal(decimal.NewFromInt(1)))
}
