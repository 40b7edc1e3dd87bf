package ports

import "github.com/alejandrodnm/quantx/internal/domain"

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(ev domain.Event) error
}

// Strategy is the in-process trading logic driven by the engine. The
// engine forwards market data and fills; the strategy emits Signal
// events through the publisher it is handed.
type Strategy interface {
	Name() string

	// SetEventBus hands the strategy its signal outlet before OnStart.
	SetEventBus(pub Publisher)

	OnStart() error
	OnStop() error

	// OnData receives MarketData and Tick events.
	OnData(ev domain.Event)

	// OnFill receives Fill events for the strategy's orders.
	OnFill(ev domain.Event)

	// Positions returns a copy of the strategy's symbol to signed
	// quantity view.
	Positions() map[string]float64

	// SetPosition overwrites one symbol's quantity, used by
	// reconciliation and crash recovery.
	SetPosition(symbol string, qty float64)
}
