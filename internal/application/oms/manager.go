package oms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/quantx/internal/application/risk"
	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

// Stats counts order lifecycle outcomes for one manager.
type Stats struct {
	OrdersSubmitted int
	OrdersFilled    int
	OrdersCancelled int
	OrdersRejected  int
	TotalFills      int
	OpenOrders      int
	TotalOrders     int
	FillRate        float64
}

// OrderManager owns orders from submission to terminal state: it
// validates, runs risk checks, routes to the broker, applies fills, and
// fans out lifecycle callbacks. Safe under concurrent callers.
type OrderManager struct {
	broker    ports.Broker
	validator *Validator
	risk      *risk.Supervisor
	pub       ports.Publisher

	mu      sync.Mutex
	orders  map[string]*domain.Order
	pending map[string]struct{}
	fills   []domain.Fill

	submitted int
	filled    int
	cancelled int
	rejected  int

	onSubmitted []func(*domain.Order)
	onFilled    []func(*domain.Order)
	onCancelled []func(*domain.Order)
	onRejected  []func(*domain.Order, string)
	onFill      []func(domain.Fill)

	log *slog.Logger
}

// Option configures an OrderManager.
type Option func(*OrderManager)

// WithRisk attaches a risk supervisor consulted before every broker
// submission.
func WithRisk(sup *risk.Supervisor) Option {
	return func(m *OrderManager) { m.risk = sup }
}

// WithPublisher makes the manager mirror lifecycle callbacks onto the
// event bus.
func WithPublisher(pub ports.Publisher) Option {
	return func(m *OrderManager) { m.pub = pub }
}

// WithValidator replaces the default rule set.
func WithValidator(v *Validator) Option {
	return func(m *OrderManager) { m.validator = v }
}

// NewOrderManager builds a manager routing to the given broker.
func NewOrderManager(broker ports.Broker, opts ...Option) *OrderManager {
	m := &OrderManager{
		broker:    broker,
		validator: NewValidator(),
		orders:    make(map[string]*domain.Order),
		pending:   make(map[string]struct{}),
		log:       slog.Default().With("component", "oms"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newOrderID() string {
	return "oms_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SubmitOrder validates, risk-checks, and routes an order to the broker.
// It returns the order ID on acceptance. Rejected orders are recorded
// with status Rejected and surface through the order_rejected callbacks;
// the returned error carries the reason.
func (m *OrderManager) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	if order.ID == "" {
		order.ID = newOrderID()
	}

	if ok, reason := m.validator.Validate(order); !ok {
		m.reject(order, reason)
		return "", fmt.Errorf("oms.SubmitOrder: validation failed: %s", reason)
	}

	if m.risk != nil {
		account, err := m.broker.GetAccount(ctx)
		if err != nil {
			m.reject(order, "account state unavailable: "+err.Error())
			return "", fmt.Errorf("oms.SubmitOrder: fetching account: %w", err)
		}
		positions, err := m.broker.GetPositions(ctx)
		if err != nil {
			m.reject(order, "positions unavailable: "+err.Error())
			return "", fmt.Errorf("oms.SubmitOrder: fetching positions: %w", err)
		}
		// High violations block submission too; only Medium and Low
		// pass through as warnings.
		safe, violations := m.risk.CheckOrder(order, account, positions)
		blocking := ""
		for _, v := range violations {
			if v.Severity == risk.SeverityCritical {
				blocking = v.String()
				break
			}
			if v.Severity == risk.SeverityHigh && blocking == "" {
				blocking = v.String()
			}
		}
		if !safe || blocking != "" {
			if blocking == "" {
				blocking = violations[0].String()
			}
			m.reject(order, blocking)
			return "", fmt.Errorf("oms.SubmitOrder: %s", blocking)
		}
		for _, v := range violations {
			m.log.Warn("risk warning", "rule", v.Rule, "severity", v.Severity)
		}
	}

	order.Status = domain.StatusPending
	clientID := order.ID

	// Track before routing so synchronous fill callbacks from the broker
	// can find the parent order.
	m.mu.Lock()
	m.orders[clientID] = order
	m.mu.Unlock()

	brokerID, err := m.broker.PlaceOrder(ctx, order)
	if err != nil {
		m.reject(order, err.Error())
		return "", fmt.Errorf("oms.SubmitOrder: broker rejected: %w", err)
	}

	m.mu.Lock()
	// Venue brokers assign their own ID. Re-key so that fills, cancels
	// and lookups quoting the venue ID resolve to this order.
	if brokerID != "" && brokerID != clientID {
		delete(m.orders, clientID)
		order.ID = brokerID
		m.orders[brokerID] = order
	}
	if order.Status == domain.StatusPending {
		order.Status = domain.StatusSubmitted
	}
	order.SubmittedAt = time.Now()
	if order.Status.IsOpen() {
		m.pending[order.ID] = struct{}{}
	}
	m.submitted++
	m.mu.Unlock()

	m.log.Info("order submitted",
		"order_id", order.ID, "symbol", order.Symbol,
		"side", order.Side, "qty", order.Quantity)

	m.fire(func() {
		for _, cb := range m.callbacksSubmitted() {
			cb(order)
		}
	})
	m.publish(domain.EventOrderSubmitted, order)
	return order.ID, nil
}

// CancelOrder cancels an open order at the broker. It reports false for
// unknown or already terminal orders.
func (m *OrderManager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !order.Status.IsOpen() {
		return false, nil
	}

	cancelled, err := m.broker.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("oms.CancelOrder: %w", err)
	}
	if !cancelled {
		return false, nil
	}

	m.mu.Lock()
	order.Status = domain.StatusCancelled
	delete(m.pending, orderID)
	m.cancelled++
	m.mu.Unlock()

	m.log.Info("order cancelled", "order_id", orderID)
	m.fire(func() {
		for _, cb := range m.callbacksCancelled() {
			cb(order)
		}
	})
	m.publish(domain.EventOrderCancelled, order)
	return true, nil
}

// ProcessFill records a fill and advances its parent order. Fills for
// untracked orders are kept for the record but advance nothing.
func (m *OrderManager) ProcessFill(fill domain.Fill) {
	m.mu.Lock()
	m.fills = append(m.fills, fill)
	order, tracked := m.orders[fill.OrderID]
	var applyErr error
	var completed bool
	if tracked {
		applyErr = order.ApplyFill(fill)
		if applyErr == nil && order.Status == domain.StatusFilled {
			delete(m.pending, fill.OrderID)
			m.filled++
			completed = true
		}
	}
	m.mu.Unlock()

	if applyErr != nil {
		m.log.Warn("fill rejected", "order_id", fill.OrderID, "err", applyErr)
		return
	}
	if !tracked {
		m.log.Warn("fill for untracked order", "order_id", fill.OrderID)
	}

	m.fire(func() {
		for _, cb := range m.callbacksFill() {
			cb(fill)
		}
	})
	if completed {
		m.log.Info("order filled",
			"order_id", order.ID, "symbol", order.Symbol,
			"avg_price", order.AvgFillPrice)
		m.fire(func() {
			for _, cb := range m.callbacksFilled() {
				cb(order)
			}
		})
	}
}

func (m *OrderManager) reject(order *domain.Order, reason string) {
	m.mu.Lock()
	order.Status = domain.StatusRejected
	m.orders[order.ID] = order
	delete(m.pending, order.ID)
	m.rejected++
	m.mu.Unlock()

	m.log.Warn("order rejected", "order_id", order.ID, "reason", reason)
	m.fire(func() {
		for _, cb := range m.callbacksRejected() {
			cb(order, reason)
		}
	})
	m.publish(domain.EventOrderRejected, order)
}

// GetOrder returns a tracked order by ID.
func (m *OrderManager) GetOrder(orderID string) (*domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok
}

// OpenOrders returns orders still cancellable at the broker.
func (m *OrderManager) OpenOrders() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for id := range m.pending {
		if o, ok := m.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// FilledOrders returns orders that reached the Filled state.
func (m *OrderManager) FilledOrders() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.Status == domain.StatusFilled {
			out = append(out, o)
		}
	}
	return out
}

// Fills returns recorded fills, filtered by order ID when given.
func (m *OrderManager) Fills(orderID string) []domain.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	if orderID == "" {
		return append([]domain.Fill{}, m.fills...)
	}
	var out []domain.Fill
	for _, f := range m.fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out
}

// Statistics returns lifecycle counters and the fill rate.
func (m *OrderManager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		OrdersSubmitted: m.submitted,
		OrdersFilled:    m.filled,
		OrdersCancelled: m.cancelled,
		OrdersRejected:  m.rejected,
		TotalFills:      len(m.fills),
		OpenOrders:      len(m.pending),
		TotalOrders:     len(m.orders),
	}
	if m.submitted > 0 {
		s.FillRate = float64(m.filled) / float64(m.submitted)
	}
	return s
}

// Reset drops all tracked state and counters.
func (m *OrderManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*domain.Order)
	m.pending = make(map[string]struct{})
	m.fills = nil
	m.submitted, m.filled, m.cancelled, m.rejected = 0, 0, 0, 0
}

// OnOrderSubmitted registers a callback for broker-accepted orders.
func (m *OrderManager) OnOrderSubmitted(fn func(*domain.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSubmitted = append(m.onSubmitted, fn)
}

// OnOrderFilled registers a callback for completely filled orders.
func (m *OrderManager) OnOrderFilled(fn func(*domain.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = append(m.onFilled, fn)
}

// OnOrderCancelled registers a callback for cancelled orders.
func (m *OrderManager) OnOrderCancelled(fn func(*domain.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCancelled = append(m.onCancelled, fn)
}

// OnOrderRejected registers a callback receiving the order and the
// rejection reason.
func (m *OrderManager) OnOrderRejected(fn func(*domain.Order, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRejected = append(m.onRejected, fn)
}

// OnFill registers a callback for every fill processed.
func (m *OrderManager) OnFill(fn func(domain.Fill)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFill = append(m.onFill, fn)
}

func (m *OrderManager) callbacksSubmitted() []func(*domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(*domain.Order){}, m.onSubmitted...)
}

func (m *OrderManager) callbacksFilled() []func(*domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(*domain.Order){}, m.onFilled...)
}

func (m *OrderManager) callbacksCancelled() []func(*domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(*domain.Order){}, m.onCancelled...)
}

func (m *OrderManager) callbacksRejected() []func(*domain.Order, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(*domain.Order, string){}, m.onRejected...)
}

func (m *OrderManager) callbacksFill() []func(domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(domain.Fill){}, m.onFill...)
}

func (m *OrderManager) fire(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("order callback panicked", "panic", r)
		}
	}()
	fn()
}

func (m *OrderManager) publish(kind domain.EventKind, order *domain.Order) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(domain.NewEvent(kind, domain.PriorityOrder, "oms", order)); err != nil {
		m.log.Warn("publishing order event", "kind", kind, "err", err)
	}
}
