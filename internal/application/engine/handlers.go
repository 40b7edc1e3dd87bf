package engine

import (
	"context"
	"time"

	"github.com/alejandrodnm/quantx/internal/application/risk"
	"github.com/alejandrodnm/quantx/internal/domain"
)

// onSignal translates a strategy signal into an order and submits it.
// Signals are dropped unless the engine is Running.
func (e *Engine) onSignal(ev domain.Event) {
	e.mu.Lock()
	e.signals++
	running := e.state == domain.EngineRunning
	e.mu.Unlock()

	if !running {
		e.log.Debug("ignoring signal, engine not running")
		return
	}

	signal, ok := ev.Payload.(domain.Signal)
	if !ok {
		e.log.Warn("signal event with unexpected payload", "source", ev.Source)
		return
	}

	order := signalToOrder(signal)
	e.log.Info("signal received",
		"symbol", signal.Symbol, "action", signal.Action,
		"qty", signal.Quantity, "strategy", signal.Strategy)

	if e.cfg.DryRun {
		e.log.Info("dry run, order not submitted",
			"symbol", order.Symbol, "side", order.Side,
			"type", order.Type, "qty", order.Quantity)
		return
	}

	if _, err := e.orders.SubmitOrder(context.Background(), order); err != nil {
		e.log.Warn("signal order rejected", "symbol", order.Symbol, "err", err)
	}
}

// onFill forwards the fill to the strategy and triggers an immediate
// position sync. Fills are processed even while Paused so positions and
// P&L stay correct.
func (e *Engine) onFill(ev domain.Event) {
	e.mu.Lock()
	e.filled++
	e.mu.Unlock()

	e.strategy.OnFill(ev)

	if fill, ok := ev.Payload.(domain.Fill); ok {
		e.log.Info("fill received",
			"symbol", fill.Symbol, "qty", fill.Quantity, "price", fill.Price)
	}

	if err := e.syncPositions(context.Background()); err != nil {
		e.log.Warn("post-fill position sync failed", "err", err)
	}
}

func (e *Engine) onOrderSubmitted(ev domain.Event) {
	e.mu.Lock()
	e.submitted++
	e.mu.Unlock()
	e.log.Debug("order submitted", "source", ev.Source)
}

func (e *Engine) onOrderRejected(ev domain.Event) {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()
	if order, ok := ev.Payload.(*domain.Order); ok {
		e.log.Warn("order rejected", "order_id", order.ID, "symbol", order.Symbol)
		return
	}
	e.log.Warn("order rejected", "source", ev.Source)
}

// onMarketData forwards ticks and quotes to the strategy.
func (e *Engine) onMarketData(ev domain.Event) {
	e.strategy.OnData(ev)
}

// onRiskViolation pauses the engine on Critical severity.
func (e *Engine) onRiskViolation(ev domain.Event) {
	v, ok := ev.Payload.(risk.Violation)
	if !ok {
		return
	}
	e.log.Warn("risk violation", "rule", v.Rule, "severity", v.Severity)
	if v.Severity == risk.SeverityCritical {
		e.log.Error("critical risk violation, pausing engine", "rule", v.Rule)
		e.Pause()
	}
}

// onSystemStop reacts to terminal failures announced by other
// components, the market data stream in particular.
func (e *Engine) onSystemStop(ev domain.Event) {
	if ev.Source == engineSource {
		return
	}
	e.mu.Lock()
	running := e.state == domain.EngineRunning || e.state == domain.EnginePaused
	e.mu.Unlock()
	if !running {
		return
	}
	e.log.Error("system stop requested", "source", ev.Source)
	// Stop joins the dispatcher; it cannot run on the dispatcher.
	go func() {
		if err := e.Stop(context.Background(), defaultStopTimeout); err != nil {
			e.log.Error("stop after system stop failed", "err", err)
		}
	}()
}

// signalToOrder maps a signal to a Limit order when it carries a price
// and a Market order otherwise.
func signalToOrder(signal domain.Signal) *domain.Order {
	orderType := domain.OrderMarket
	if signal.Price > 0 {
		orderType = domain.OrderLimit
	}
	return &domain.Order{
		Symbol:    signal.Symbol,
		Side:      signal.Action,
		Type:      orderType,
		Quantity:  signal.Quantity,
		Price:     signal.Price,
		Status:    domain.StatusCreated,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"strategy":         signal.Strategy,
			"signal_timestamp": signal.Timestamp,
		},
	}
}
