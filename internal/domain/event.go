package domain

import "time"

// EventKind identifies the type of an event flowing through the bus.
type EventKind string

const (
	EventMarketData EventKind = "market_data"
	EventTick       EventKind = "tick"
	EventBar        EventKind = "bar"

	EventSignal EventKind = "signal"

	EventOrder          EventKind = "order"
	EventOrderSubmitted EventKind = "order_submitted"
	EventOrderAccepted  EventKind = "order_accepted"
	EventOrderRejected  EventKind = "order_rejected"
	EventOrderCancelled EventKind = "order_cancelled"

	EventFill        EventKind = "fill"
	EventPartialFill EventKind = "partial_fill"

	EventPositionOpened  EventKind = "position_opened"
	EventPositionClosed  EventKind = "position_closed"
	EventPositionUpdated EventKind = "position_updated"

	EventRiskViolation EventKind = "risk_violation"
	EventRiskWarning   EventKind = "risk_warning"

	EventSystemStart EventKind = "system_start"
	EventSystemStop  EventKind = "system_stop"
	EventSystemError EventKind = "system_error"
	EventHeartbeat   EventKind = "heartbeat"
)

// Dispatch priorities. Lower values dispatch first.
const (
	PrioritySystem    = 0
	PriorityTick      = 1
	PrioritySignal    = 2
	PriorityOrder     = 3
	PriorityHeartbeat = 5
)

// Event is the unit of communication between components. Ordering on the
// bus is by Priority only; Timestamp is informational.
type Event struct {
	Priority  int
	Kind      EventKind
	Timestamp time.Time
	Source    string
	Payload   any
	Metadata  map[string]any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventKind, priority int, source string, payload any) Event {
	return Event{
		Priority:  priority,
		Kind:      kind,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}
