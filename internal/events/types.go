package events

import "time"

// Event enumerates topics published inside the execution core.
type Event string

const (
	EventOrderUpdate    Event = "order.update"
	EventAudit          Event = "audit.entry"
	EventKillSwitch     Event = "safety.kill_switch"
	EventMarketStatus   Event = "safety.market_status"
	EventSchedulerTick  Event = "scheduler.tick"
	EventReconciliation Event = "reconciliation.run"
)

// Envelope is what subscribers receive.
type Envelope struct {
	Topic   Event     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
