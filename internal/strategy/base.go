// Package strategy holds the trading logic driven by the execution
// engine. Base carries the plumbing every strategy needs; concrete
// strategies embed it and react to market data.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

// Base implements the bookkeeping half of ports.Strategy: the positions
// map, the bus handle and signal emission. Embedders override OnData and
// optionally OnStart/OnStop/OnFill.
type Base struct {
	name string
	log  *slog.Logger

	mu        sync.Mutex
	pub       ports.Publisher
	positions map[string]float64
}

// NewBase names the strategy and prepares its state.
func NewBase(name string) Base {
	return Base{
		name:      name,
		log:       slog.Default().With("component", "strategy", "strategy", name),
		positions: make(map[string]float64),
	}
}

func (b *Base) Name() string { return b.name }

// SetEventBus hands the strategy its signal outlet.
func (b *Base) SetEventBus(pub ports.Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub = pub
}

func (b *Base) OnStart() error { return nil }
func (b *Base) OnStop() error  { return nil }

// OnData is a no-op; concrete strategies override it.
func (b *Base) OnData(domain.Event) {}

// OnFill moves the strategy's position by the signed fill quantity.
func (b *Base) OnFill(ev domain.Event) {
	fill, ok := ev.Payload.(domain.Fill)
	if !ok {
		return
	}
	delta := fill.Quantity
	if fill.Side == domain.SideSell {
		delta = -delta
	}
	b.mu.Lock()
	b.positions[fill.Symbol] += delta
	if b.positions[fill.Symbol] == 0 {
		delete(b.positions, fill.Symbol)
	}
	b.mu.Unlock()
}

// Positions returns a copy of the symbol to signed quantity view.
func (b *Base) Positions() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.positions))
	for sym, qty := range b.positions {
		out[sym] = qty
	}
	return out
}

// SetPosition overwrites one symbol's quantity. Zero removes the entry.
func (b *Base) SetPosition(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty == 0 {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = qty
}

// Position returns the signed quantity held in one symbol.
func (b *Base) Position(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[symbol]
}

// HasPosition reports whether the strategy holds the symbol.
func (b *Base) HasPosition(symbol string) bool {
	return b.Position(symbol) != 0
}

// Buy emits a buy signal at market.
func (b *Base) Buy(symbol string, qty float64) error {
	return b.emit(symbol, domain.SideBuy, qty, 0)
}

// Sell emits a sell signal at market.
func (b *Base) Sell(symbol string, qty float64) error {
	return b.emit(symbol, domain.SideSell, qty, 0)
}

// EmitSignal publishes a signal with an explicit price, 0 for market.
func (b *Base) EmitSignal(symbol string, action domain.Side, qty, price float64) error {
	return b.emit(symbol, action, qty, price)
}

func (b *Base) emit(symbol string, action domain.Side, qty, price float64) error {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("strategy %s: no event bus attached", b.name)
	}

	signal := domain.Signal{
		Symbol:    symbol,
		Action:    action,
		Quantity:  qty,
		Price:     price,
		Strategy:  b.name,
		Timestamp: time.Now(),
	}
	ev := domain.NewEvent(domain.EventSignal, domain.PrioritySignal, b.name, signal)
	if err := pub.Publish(ev); err != nil {
		return fmt.Errorf("strategy %s: publish signal: %w", b.name, err)
	}
	b.log.Info("signal emitted", "symbol", symbol, "action", action, "qty", qty, "price", price)
	return nil
}

// Registry indexes strategy constructors by name.
type Registry map[string]func(config map[string]any) ports.Strategy

// NewRegistry creates an empty registry.
func NewRegistry() Registry {
	return make(Registry)
}

// Register adds a constructor under a name.
func (r Registry) Register(name string, f func(config map[string]any) ports.Strategy) {
	r[name] = f
}

// New constructs the named strategy.
func (r Registry) New(name string, config map[string]any) (ports.Strategy, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("strategy.New: unknown strategy %q", name)
	}
	return f(config), nil
}
