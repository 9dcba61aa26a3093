package types

import "time"

type EventType string

const (
	EventOrderFilled         EventType = "order_filled"
	EventTradeExecuted       EventType = "trade_executed"
	EventRiskStateChanged    EventType = "risk_state_changed"
	EventRiskAlert           EventType = "risk_alert"
	EventRebalanceApplied    EventType = "rebalance_applied"
	EventReconciliationError EventType = "reconciliation_error"
	EventDailySummary        EventType = "daily_summary"
)

// Event is pushed to report subscribers and notification robots.
type Event struct {
	Type   EventType              `json:"type"`
	Symbol string                 `json:"symbol,omitempty"`
	Time   time.Time              `json:"time"`
	Data   map[string]interface{} `json:"data,omitempty"`
}
