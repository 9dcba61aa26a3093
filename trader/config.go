package trader

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/xyths/hs"

	"github.com/quantgrid/qgr/capital"
	"github.com/quantgrid/qgr/engine"
	"github.com/quantgrid/qgr/gateway"
	"github.com/quantgrid/qgr/grid"
	"github.com/quantgrid/qgr/risk"
	"github.com/quantgrid/qgr/types"
)

// LayerConf is one grid layer in the config file. Decimal fields are
// strings so no precision is lost in JSON.
type LayerConf struct {
	Range     string `json:"range"`
	Spacing   string `json:"spacing"`
	OrderSize string `json:"orderSize"`
}

// SymbolConf defines one traded instrument.
type SymbolConf struct {
	Symbol    string    `json:"symbol"`
	Weight    string    `json:"weight,omitempty"`   // cross-symbol allocation weight, default 1
	StopLoss  string    `json:"stopLoss,omitempty"` // absolute quote loss halting the symbol
	HighFreq  LayerConf `json:"highFreq"`
	MainTrend LayerConf `json:"mainTrend"`
	Insurance LayerConf `json:"insurance"`
}

type EngineConf struct {
	Interval     string `json:"interval"`
	OrderTimeout string `json:"orderTimeout,omitempty"`
	MaxMisses    int    `json:"maxMisses,omitempty"`
	CandlePeriod string `json:"candlePeriod,omitempty"`
	CandleSize   int    `json:"candleSize,omitempty"`
}

type RiskConf struct {
	MaxDrawdown     string `json:"maxDrawdown"`
	WarningRatio    string `json:"warningRatio,omitempty"`
	DailyLossLimit  string `json:"dailyLossLimit,omitempty"`
	MaxFailures     int    `json:"maxFailures,omitempty"`
	BreakerCooldown string `json:"breakerCooldown,omitempty"`
}

type CapitalConf struct {
	Total             string `json:"total"`
	RebalanceInterval string `json:"rebalanceInterval,omitempty"`
}

type ReportConf struct {
	Addr string `json:"addr,omitempty"`
}

// Config is the complete trading node configuration.
type Config struct {
	Exchange hs.ExchangeConf     `json:"exchange"`
	Mongo    hs.MongoConf        `json:"mongo"`
	Log      hs.LogConf          `json:"log"`
	Robots   []hs.BroadcastConf  `json:"robots,omitempty"`
	Capital  CapitalConf         `json:"capital"`
	Risk     RiskConf            `json:"risk"`
	Rate     gateway.LimiterConf `json:"rate"`
	Engine   EngineConf          `json:"engine"`
	Report   ReportConf          `json:"report"`
	Symbols  []SymbolConf        `json:"symbols"`
}

// Validate rejects a configuration the engine could not start with.
// Invalid configuration prevents startup, it is never silently fixed.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("config: no symbols")
	}
	if _, err := requireDecimal("capital.total", c.Capital.Total); err != nil {
		return err
	}
	if _, err := requireDecimal("risk.maxDrawdown", c.Risk.MaxDrawdown); err != nil {
		return err
	}
	if _, err := optionalDuration("engine.interval", c.Engine.Interval); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, sc := range c.Symbols {
		if sc.Symbol == "" {
			return errors.New("config: symbol name empty")
		}
		if seen[sc.Symbol] {
			return errors.Errorf("config: symbol %s duplicated", sc.Symbol)
		}
		seen[sc.Symbol] = true
		if _, err := sc.Layers(); err != nil {
			return err
		}
		if _, err := sc.ParsedWeight(); err != nil {
			return err
		}
		if sc.StopLoss != "" {
			if _, err := requireDecimal(sc.Symbol+".stopLoss", sc.StopLoss); err != nil {
				return err
			}
		}
	}
	return nil
}

// Layers converts the symbol's three layer definitions.
func (sc SymbolConf) Layers() ([]grid.LayerConf, error) {
	specs := []struct {
		kind types.LayerKind
		conf LayerConf
	}{
		{types.HighFreq, sc.HighFreq},
		{types.MainTrend, sc.MainTrend},
		{types.Insurance, sc.Insurance},
	}
	var out []grid.LayerConf
	for _, s := range specs {
		if s.conf.Range == "" && s.conf.Spacing == "" {
			continue // layer disabled
		}
		name := sc.Symbol + "." + string(s.kind)
		rng, err := requireDecimal(name+".range", s.conf.Range)
		if err != nil {
			return nil, err
		}
		spacing, err := requireDecimal(name+".spacing", s.conf.Spacing)
		if err != nil {
			return nil, err
		}
		size, err := requireDecimal(name+".orderSize", s.conf.OrderSize)
		if err != nil {
			return nil, err
		}
		out = append(out, grid.LayerConf{
			Kind:      s.kind,
			Range:     rng,
			Spacing:   spacing,
			OrderSize: size,
		})
	}
	if len(out) == 0 {
		return nil, errors.Errorf("config: symbol %s has no layers", sc.Symbol)
	}
	return out, nil
}

// ParsedWeight returns the cross-symbol weight, defaulting to 1.
func (sc SymbolConf) ParsedWeight() (decimal.Decimal, error) {
	if sc.Weight == "" {
		return decimal.NewFromInt(1), nil
	}
	return requireDecimal(sc.Symbol+".weight", sc.Weight)
}

// ParsedStopLoss returns the absolute stop-loss, zero when unset.
func (sc SymbolConf) ParsedStopLoss() decimal.Decimal {
	if sc.StopLoss == "" {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(sc.StopLoss)
	return d
}

// RiskConf converts to the governor's configuration.
func (c Config) RiskConf() (risk.Conf, error) {
	out := risk.DefaultConf()
	var err error
	if out.MaxDrawdown, err = requireDecimal("risk.maxDrawdown", c.Risk.MaxDrawdown); err != nil {
		return out, err
	}
	if c.Risk.WarningRatio != "" {
		if out.WarningRatio, err = requireDecimal("risk.warningRatio", c.Risk.WarningRatio); err != nil {
			return out, err
		}
	}
	if c.Risk.DailyLossLimit != "" {
		if out.DailyLossLimit, err = requireDecimal("risk.dailyLossLimit", c.Risk.DailyLossLimit); err != nil {
			return out, err
		}
	}
	if c.Risk.MaxFailures > 0 {
		out.MaxFailures = c.Risk.MaxFailures
	}
	if d, err := optionalDuration("risk.breakerCooldown", c.Risk.BreakerCooldown); err != nil {
		return out, err
	} else if d > 0 {
		out.BreakerCooldown = d
	}
	return out, nil
}

// EngineConf converts to the reconciliation loop's configuration.
func (c Config) EngineConf() (engine.Conf, error) {
	var out engine.Conf
	var err error
	if out.Interval, err = optionalDuration("engine.interval", c.Engine.Interval); err != nil {
		return out, err
	}
	if out.OrderTimeout, err = optionalDuration("engine.orderTimeout", c.Engine.OrderTimeout); err != nil {
		return out, err
	}
	if out.CandlePeriod, err = optionalDuration("engine.candlePeriod", c.Engine.CandlePeriod); err != nil {
		return out, err
	}
	out.MaxMisses = c.Engine.MaxMisses
	out.CandleSize = c.Engine.CandleSize
	return out, nil
}

// Total returns the configured pool size.
func (c Config) Total() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Capital.Total)
	return d
}

// RebalanceInterval returns the allocator cadence, defaulting to 5m.
func (c Config) RebalanceInterval() time.Duration {
	d, err := time.ParseDuration(c.Capital.RebalanceInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// AllocatorConf currently carries the default thresholds.
func (c Config) AllocatorConf() capital.AllocatorConf {
	return capital.DefaultAllocatorConf()
}

func requireDecimal(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.Errorf("config: %s required", name)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "config: %s", name)
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.Errorf("config: %s must be positive", name)
	}
	return d, nil
}

func optionalDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s", name)
	}
	return d, nil
}
