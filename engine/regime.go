package engine

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/quantgrid/qgr/types"
)

const (
	regimeLookback = 50
	smaShort       = 20
	volPeriod      = 20

	// tuning cut-offs on 1m closes
	volatileStdDev = 0.02
	trendDrift     = 0.01
)

// DetectRegime classifies recent closes into the regime driving layer
// weights: volatile when the recent return deviation is high, trending
// when the short moving average pulls away from the long one, ranging
// otherwise. Too little history defaults to ranging.
func DetectRegime(closes []float64) types.MarketRegime {
	if len(closes) < regimeLookback {
		return types.Ranging
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			rets = append(rets, closes[i]/closes[i-1]-1)
		}
	}
	if len(rets) < volPeriod {
		return types.Ranging
	}
	stddev := talib.StdDev(rets, volPeriod, 1.0)
	if stddev[len(stddev)-1] > volatileStdDev {
		return types.Volatile
	}
	short := talib.Sma(closes, smaShort)
	long := talib.Sma(closes, regimeLookback)
	last := len(closes) - 1
	if long[last] == 0 {
		return types.Ranging
	}
	drift := (short[last] - long[last]) / long[last]
	if math.Abs(drift) > trendDrift {
		return types.Trending
	}
	return types.Ranging
}
