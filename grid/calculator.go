// Package grid derives ladder price levels from a center price and a
// layer configuration. The computation is pure: identical inputs always
// produce an identical level set, so callers can diff ladders without
// false churn.
package grid

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantgrid/qgr/types"
)

var one = decimal.NewFromInt(1)

// LayerConf is one grid layer definition.
type LayerConf struct {
	Kind      types.LayerKind
	Range     decimal.Decimal // fractional price span, e.g. 0.03 = ±3%
	Spacing   decimal.Decimal // fractional step between levels
	OrderSize decimal.Decimal // quote-currency notional per order
	Budget    decimal.Decimal // capital budget for the layer
}

// Depth is the number of levels per side, floor(Range/Spacing).
func (c LayerConf) Depth() int {
	return int(c.Range.Div(c.Spacing).IntPart())
}

// Validate rejects configurations that could not be traded at the given
// reference price. Spacing finer than the symbol's price increment is an
// error, never silently clamped.
func (c LayerConf) Validate(symbol types.Symbol, refPrice decimal.Decimal) error {
	if !c.Spacing.IsPositive() || !c.Range.IsPositive() {
		return errors.Errorf("layer %s: range and spacing must be positive", c.Kind)
	}
	if c.Range.LessThan(c.Spacing) {
		return errors.Errorf("layer %s: range %s narrower than spacing %s",
			c.Kind, c.Range, c.Spacing)
	}
	if !c.OrderSize.IsPositive() {
		return errors.Errorf("layer %s: order size must be positive", c.Kind)
	}
	if c.OrderSize.LessThan(symbol.MinTotal) {
		return errors.Errorf("layer %s: order size %s less than minTotal %s",
			c.Kind, c.OrderSize, symbol.MinTotal)
	}
	step := refPrice.Mul(c.Spacing)
	if step.LessThan(symbol.PriceTick()) {
		return errors.Errorf("layer %s: spacing %s at price %s is finer than price increment %s",
			c.Kind, c.Spacing, refPrice, symbol.PriceTick())
	}
	return nil
}

// Ladder is the computed level set of one layer around a center price.
type Ladder struct {
	Layer  types.LayerKind
	Center decimal.Decimal
	Low    decimal.Decimal // price envelope floor, min(center*(1-Range), outermost buy)
	High   decimal.Decimal // envelope ceiling, max(center*(1+Range), outermost sell)
	Levels []types.GridLevel
}

// Build computes floor(Range/Spacing) buy levels below center and the
// same number of sell levels above it. Prices compound multiplicatively
// step by step and are truncated to the symbol's price precision;
// quantity is OrderSize at the level price, truncated to the amount
// precision.
func Build(symbol types.Symbol, conf LayerConf, center decimal.Decimal) (Ladder, error) {
	if err := conf.Validate(symbol, center); err != nil {
		return Ladder{}, err
	}
	depth := conf.Depth()
	l := Ladder{
		Layer:  conf.Kind,
		Center: center,
		Low:    center.Mul(one.Sub(conf.Range)),
		High:   center.Mul(one.Add(conf.Range)),
	}
	down := one.Sub(conf.Spacing)
	up := one.Add(conf.Spacing)
	buy := center
	sell := center
	for k := 1; k <= depth; k++ {
		buy = buy.Mul(down)
		sell = sell.Mul(up)
		bl, err := level(symbol, conf, types.Buy, k, buy)
		if err != nil {
			return Ladder{}, err
		}
		sl, err := level(symbol, conf, types.Sell, k, sell)
		if err != nil {
			return Ladder{}, err
		}
		l.Levels = append(l.Levels, bl, sl)
	}
	// compounding steps overshoot the nominal center*(1±Range) band, so
	// widen the envelope to the outermost levels; otherwise a tick at the
	// edge of the ladder would read as a gap jump
	if n := len(l.Levels); n > 0 {
		if outer := l.Levels[n-2].Price; outer.LessThan(l.Low) {
			l.Low = outer
		}
		if outer := l.Levels[n-1].Price; outer.GreaterThan(l.High) {
			l.High = outer
		}
	}
	return l, nil
}

func level(symbol types.Symbol, conf LayerConf, side types.Side, index int, raw decimal.Decimal) (types.GridLevel, error) {
	price := raw.Truncate(symbol.PricePrecision)
	qty := conf.OrderSize.Div(price).Truncate(symbol.AmountPrecision)
	if qty.LessThan(symbol.MinAmount) {
		return types.GridLevel{}, errors.Errorf("layer %s: amount %s at price %s less than minAmount %s",
			conf.Kind, qty, price, symbol.MinAmount)
	}
	return types.GridLevel{
		Layer:    conf.Kind,
		Side:     side,
		Index:    index,
		Price:    price,
		Quantity: qty,
	}, nil
}

// Contains reports whether price is still inside the ladder's envelope.
// A price outside it means a gap jump: the whole ladder must be
// discarded and rebuilt around the new price.
func (l Ladder) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(l.Low) && price.LessThanOrEqual(l.High)
}

// NextBuyLevel extends the buy ladder one spacing step below its current
// floor, used when a buy fill vacates the top of the ladder.
func (l Ladder) NextBuyLevel(symbol types.Symbol, conf LayerConf) (types.GridLevel, error) {
	floor := l.Center
	index := 0
	for _, lv := range l.Levels {
		if lv.Side == types.Buy && lv.Index > index {
			index = lv.Index
			floor = lv.Price
		}
	}
	return level(symbol, conf, types.Buy, index+1, floor.Mul(one.Sub(conf.Spacing)))
}

// NextSellLevel mirrors NextBuyLevel above the ceiling.
func (l Ladder) NextSellLevel(symbol types.Symbol, conf LayerConf) (types.GridLevel, error) {
	ceil := l.Center
	index := 0
	for _, lv := range l.Levels {
		if lv.Side == types.Sell && lv.Index > index {
			index = lv.Index
			ceil = lv.Price
		}
	}
	return level(symbol, conf, types.Sell, index+1, ceil.Mul(one.Add(conf.Spacing)))
}

// Extend appends a level produced by NextBuyLevel/NextSellLevel.
func (l *Ladder) Extend(lv types.GridLevel) {
	l.Levels = append(l.Levels, lv)
}
