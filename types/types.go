package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// LayerKind selects one of the three grid layers.
type LayerKind string

const (
	HighFreq  LayerKind = "high_freq"
	MainTrend LayerKind = "main_trend"
	Insurance LayerKind = "insurance"
)

// Layers lists all layer kinds, nearest range first.
func Layers() []LayerKind {
	return []LayerKind{HighFreq, MainTrend, Insurance}
}

type OrderStatus int

const (
	Intended OrderStatus = iota
	Submitted
	Acknowledged
	PartiallyFilled
	Filled
	Cancelled
	Rejected
	Expired
)

var statusNames = map[OrderStatus]string{
	Intended:        "INTENDED",
	Submitted:       "SUBMITTED",
	Acknowledged:    "ACKNOWLEDGED",
	PartiallyFilled: "PARTIALLY_FILLED",
	Filled:          "FILLED",
	Cancelled:       "CANCELLED",
	Rejected:        "REJECTED",
	Expired:         "EXPIRED",
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	}
	return false
}

var validNext = map[OrderStatus][]OrderStatus{
	Intended:        {Submitted},
	Submitted:       {Acknowledged, PartiallyFilled, Filled, Cancelled, Rejected, Expired},
	Acknowledged:    {PartiallyFilled, Filled, Cancelled, Rejected, Expired},
	PartiallyFilled: {PartiallyFilled, Filled, Cancelled, Expired},
}

// CanTransition reports whether s -> to is allowed by the order state
// machine. Transitions never move backward.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, n := range validNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Symbol carries the exchange trading rules for one instrument.
type Symbol struct {
	Symbol          string          `bson:"symbol"`
	BaseCurrency    string          `bson:"baseCurrency"`
	QuoteCurrency   string          `bson:"quoteCurrency"`
	PricePrecision  int32           `bson:"pricePrecision"`
	AmountPrecision int32           `bson:"amountPrecision"`
	MinAmount       decimal.Decimal `bson:"-"`
	MinTotal        decimal.Decimal `bson:"-"`
}

// PriceTick is the minimum price increment implied by the precision.
func (s Symbol) PriceTick() decimal.Decimal {
	return decimal.New(1, -s.PricePrecision)
}

// GridLevel is one derived price point of a layer's ladder.
type GridLevel struct {
	Layer    LayerKind
	Side     Side
	Index    int // 1 = closest to center
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ID identifies a level within one symbol. The price is part of the
// identity: a rebuilt ladder produces fresh level ids.
func (l GridLevel) ID() string {
	return fmt.Sprintf("%s/%s/%d@%s", l.Layer, l.Side, l.Index, l.Price.String())
}

// OrderRecord is the ledger's view of one order bound to a grid level.
type OrderRecord struct {
	Level        GridLevel
	LevelID      string
	ClientID     string // idempotency key
	ExchangeID   string // empty until acknowledged
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	Seq          uint64
	Queries      int // orphan re-query count
	Orphaned     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Notional is the quote-currency value locked by the resting order.
func (r *OrderRecord) Notional() decimal.Decimal {
	return r.Price.Mul(r.Quantity)
}

// RemoteOrder is one entry of the exchange's authoritative snapshot.
type RemoteOrder struct {
	ExchangeID string
	ClientID   string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	FilledQty  decimal.Decimal
	Status     OrderStatus
}

// AccountSnapshot is the exchange's authoritative balance view.
type AccountSnapshot struct {
	Balances map[string]decimal.Decimal
}

// Trade is a persisted fill record.
type Trade struct {
	TradeID    string    `bson:"_id"`
	Symbol     string    `bson:"symbol"`
	LevelID    string    `bson:"levelId"`
	Layer      LayerKind `bson:"layer"`
	Side       Side      `bson:"side"`
	Price      string    `bson:"price"`
	Quantity   string    `bson:"quantity"`
	Profit     string    `bson:"profit"`
	ExecutedAt time.Time `bson:"executedAt"`
}

// MarketRegime tags the regime used to weight layer budgets.
type MarketRegime int

const (
	Ranging MarketRegime = iota
	Trending
	Volatile
)

func (m MarketRegime) String() string {
	switch m {
	case Trending:
		return "trending"
	case Volatile:
		return "volatile"
	default:
		return "ranging"
	}
}
