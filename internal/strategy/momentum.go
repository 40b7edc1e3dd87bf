package strategy

import (
	"log/slog"

	"github.com/alejandrodnm/quantx/internal/domain"
)

const (
	defaultMomentumWindow    = 20
	defaultMomentumThreshold = 0.02
	defaultMomentumQuantity  = 10
)

// MomentumConfig tunes the threshold-crossing strategy.
type MomentumConfig struct {
	// Tokens maps venue instrument tokens to trading symbols.
	Tokens map[int64]string

	// Window is the number of prices in the rolling mean.
	Window int

	// Threshold is the fractional distance from the rolling mean that
	// triggers a signal (0.02 means 2%).
	Threshold float64

	// Quantity is the order size per signal.
	Quantity float64
}

// Momentum buys a symbol when its price breaks above the rolling mean
// by the threshold and exits when it breaks below. One position per
// symbol at a time.
type Momentum struct {
	Base

	tokens    map[int64]string
	window    int
	threshold float64
	quantity  float64

	history map[string][]float64
}

// NewMomentum builds the strategy with defaults applied.
func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.Window <= 0 {
		cfg.Window = defaultMomentumWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultMomentumThreshold
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = defaultMomentumQuantity
	}
	return &Momentum{
		Base:      NewBase("momentum"),
		tokens:    cfg.Tokens,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		quantity:  cfg.Quantity,
	}
}

func (m *Momentum) OnStart() error {
	m.history = make(map[string][]float64)
	return nil
}

// OnData consumes Tick events and emits signals on threshold breaks.
func (m *Momentum) OnData(ev domain.Event) {
	symbol, price, ok := m.extract(ev)
	if !ok || price <= 0 {
		return
	}

	window := append(m.history[symbol], price)
	if len(window) > m.window {
		window = window[len(window)-m.window:]
	}
	m.history[symbol] = window

	if len(window) < m.window {
		return
	}

	var sum float64
	for _, p := range window {
		sum += p
	}
	mean := sum / float64(len(window))

	switch {
	case price > mean*(1+m.threshold) && !m.HasPosition(symbol):
		if err := m.Buy(symbol, m.quantity); err != nil {
			slog.Default().Warn("momentum buy signal failed", "symbol", symbol, "error", err)
		}
	case price < mean*(1-m.threshold) && m.HasPosition(symbol):
		qty := m.Position(symbol)
		if qty <= 0 {
			return
		}
		if err := m.Sell(symbol, qty); err != nil {
			slog.Default().Warn("momentum sell signal failed", "symbol", symbol, "error", err)
		}
	}
}

// extract pulls symbol and price out of a market data payload. Ticks
// are mapped from instrument token to symbol; quotes carry the symbol
// directly.
func (m *Momentum) extract(ev domain.Event) (string, float64, bool) {
	switch payload := ev.Payload.(type) {
	case domain.Tick:
		symbol, ok := m.tokens[payload.Token]
		if !ok {
			return "", 0, false
		}
		return symbol, payload.LastPrice, true
	case domain.Quote:
		return payload.Symbol, payload.Last, true
	}
	return "", 0, false
}
