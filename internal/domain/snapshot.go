package domain

import "time"

// EngineState is the lifecycle state of an execution engine.
type EngineState string

const (
	EngineCreated  EngineState = "created"
	EngineStarting EngineState = "starting"
	EngineRunning  EngineState = "running"
	EnginePaused   EngineState = "paused"
	EngineStopping EngineState = "stopping"
	EngineStopped  EngineState = "stopped"
	EngineError    EngineState = "error"
)

// EngineSnapshot is a durable point-in-time view of a running engine,
// persisted by the state store and replayed during crash recovery.
type EngineSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	State         EngineState        `json:"state"`
	StrategyName  string             `json:"strategy_name"`
	BrokerName    string             `json:"broker_name"`
	Positions     map[string]float64 `json:"positions"`
	PendingOrders []string           `json:"pending_orders"`
	Statistics    map[string]any     `json:"statistics"`
}
