// Package engine orchestrates a live execution session: it owns the
// strategy lifecycle, translates signals into orders, runs the
// background sync and heartbeat workers, and persists recovery state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/application/oms"
	"github.com/alejandrodnm/quantx/internal/application/pnl"
	"github.com/alejandrodnm/quantx/internal/application/possync"
	"github.com/alejandrodnm/quantx/internal/application/risk"
	"github.com/alejandrodnm/quantx/internal/bus"
	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

const (
	engineSource = "engine"

	defaultSyncInterval      = 60 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
	defaultStopTimeout       = 30 * time.Second
)

// Config tunes engine timing and the dry-run switch.
type Config struct {
	PositionSyncInterval time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// DryRun logs translated orders instead of submitting them.
	DryRun bool

	// BrokerName labels persisted snapshots.
	BrokerName string
}

// Status is the live view returned by GetStatus.
type Status struct {
	State           domain.EngineState
	Uptime          time.Duration
	BrokerConnected bool
	Strategy        string
	Bus             bus.Stats
}

// Statistics aggregates session counters.
type Statistics struct {
	State           domain.EngineState
	Uptime          time.Duration
	SignalsReceived int
	OrdersSubmitted int
	OrdersFilled    int
	OrdersRejected  int
	Orders          oms.Stats
	Risk            risk.Metrics
}

// Engine coordinates strategy, broker, order manager, risk supervisor,
// synchronizer, and the event bus for one live session.
type Engine struct {
	cfg      Config
	strategy ports.Strategy
	broker   ports.Broker
	orders   *oms.OrderManager
	bus      *bus.Bus

	risk    *risk.Supervisor
	syncer  *possync.Synchronizer
	tracker *pnl.Tracker
	store   ports.StateStore

	mu        sync.Mutex
	state     domain.EngineState
	startTime time.Time
	signals   int
	submitted int
	filled    int
	rejected  int

	stopCh chan struct{}
	wg     sync.WaitGroup

	onStatus []func(domain.EngineState)
	onError  []func(error)

	log *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRisk attaches a risk supervisor. Its violations are mirrored onto
// the bus so a Critical violation pauses the engine.
func WithRisk(sup *risk.Supervisor) Option {
	return func(e *Engine) { e.risk = sup }
}

// WithSynchronizer replaces the default position synchronizer.
func WithSynchronizer(s *possync.Synchronizer) Option {
	return func(e *Engine) { e.syncer = s }
}

// WithTracker attaches a P&L tracker refreshed on every position sync.
func WithTracker(t *pnl.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithStateStore enables snapshot persistence and crash recovery.
func WithStateStore(s ports.StateStore) Option {
	return func(e *Engine) { e.store = s }
}

// New builds an engine in the Created state and registers its bus
// subscriptions.
func New(cfg Config, strategy ports.Strategy, broker ports.Broker, orders *oms.OrderManager, eventBus *bus.Bus, opts ...Option) *Engine {
	if cfg.PositionSyncInterval <= 0 {
		cfg.PositionSyncInterval = defaultSyncInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	e := &Engine{
		cfg:      cfg,
		strategy: strategy,
		broker:   broker,
		orders:   orders,
		bus:      eventBus,
		state:    domain.EngineCreated,
		log:      slog.Default().With("component", "engine", "strategy", strategy.Name()),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.syncer == nil {
		e.syncer = possync.NewSynchronizer(broker, true, 0)
	}
	if e.risk != nil {
		e.risk.OnViolation(func(v risk.Violation) {
			ev := domain.NewEvent(domain.EventRiskViolation, domain.PrioritySystem, "risk", v)
			if err := e.bus.Publish(ev); err != nil {
				e.log.Warn("publishing risk violation", "err", err)
			}
		})
	}
	e.subscribe()
	return e
}

func (e *Engine) subscribe() {
	e.bus.Subscribe(domain.EventSignal, e.onSignal)
	e.bus.Subscribe(domain.EventFill, e.onFill)
	e.bus.Subscribe(domain.EventOrderSubmitted, e.onOrderSubmitted)
	e.bus.Subscribe(domain.EventOrderRejected, e.onOrderRejected)
	e.bus.Subscribe(domain.EventMarketData, e.onMarketData)
	e.bus.Subscribe(domain.EventTick, e.onMarketData)
	e.bus.Subscribe(domain.EventRiskViolation, e.onRiskViolation)
	e.bus.Subscribe(domain.EventSystemStop, e.onSystemStop)
}

// Start brings the session up: broker connection, bus, crash recovery,
// strategy, initial sync, background workers. Any failure leaves the
// engine in the Error state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == domain.EngineRunning || e.state == domain.EngineStarting {
		e.mu.Unlock()
		return fmt.Errorf("engine.Start: already %s", e.state)
	}
	e.stopCh = make(chan struct{})
	e.mu.Unlock()
	e.setState(domain.EngineStarting)

	if err := e.startLocked(ctx); err != nil {
		e.setState(domain.EngineError)
		e.fireError(err)
		return err
	}

	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()
	e.setState(domain.EngineRunning)

	ev := domain.NewEvent(domain.EventSystemStart, domain.PrioritySystem, engineSource,
		map[string]any{"strategy": e.strategy.Name(), "broker": e.cfg.BrokerName})
	if err := e.bus.Publish(ev); err != nil {
		e.log.Warn("publishing system start", "err", err)
	}
	e.log.Info("engine started")
	return nil
}

func (e *Engine) startLocked(ctx context.Context) error {
	if !e.broker.IsConnected() {
		e.log.Info("connecting to broker")
		if err := e.broker.Connect(ctx); err != nil {
			return fmt.Errorf("engine.Start: connecting broker: %w", err)
		}
	}

	e.bus.Start()
	e.strategy.SetEventBus(e.bus)

	if err := e.recoverFromCrash(ctx); err != nil {
		return fmt.Errorf("engine.Start: crash recovery: %w", err)
	}

	if err := e.strategy.OnStart(); err != nil {
		return fmt.Errorf("engine.Start: strategy on_start: %w", err)
	}

	if err := e.syncPositions(ctx); err != nil {
		e.log.Warn("initial position sync failed", "err", err)
	}

	e.wg.Add(2)
	go e.positionSyncWorker(e.stopCh)
	go e.heartbeatWorker(e.stopCh)
	return nil
}

// Stop shuts the session down within the timeout: strategy, open
// orders, workers, bus, final sync, final snapshot.
func (e *Engine) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if e.state == domain.EngineStopped || e.state == domain.EngineStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = domain.EngineStopping
	stopCh := e.stopCh
	e.stopCh = nil
	callbacks := append([]func(domain.EngineState){}, e.onStatus...)
	e.mu.Unlock()
	for _, cb := range callbacks {
		e.safeCall(func() { cb(domain.EngineStopping) })
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	deadline := time.Now().Add(timeout)

	if stopCh != nil {
		close(stopCh)
	}

	if err := e.strategy.OnStop(); err != nil {
		e.log.Warn("strategy on_stop failed", "err", err)
	}

	e.cancelOpenOrders(ctx)

	if !e.waitWorkers(time.Until(deadline) / 2) {
		e.log.Warn("background workers did not exit in time")
	}

	ev := domain.NewEvent(domain.EventSystemStop, domain.PrioritySystem, engineSource,
		map[string]any{"strategy": e.strategy.Name()})
	if err := e.bus.Publish(ev); err != nil {
		e.log.Warn("publishing system stop", "err", err)
	}

	if !e.bus.Stop(time.Until(deadline)) {
		e.log.Warn("event bus stop timed out")
	}

	if err := e.syncPositions(ctx); err != nil {
		e.log.Warn("final position sync failed", "err", err)
	}
	e.persistSnapshot(ctx)

	e.setState(domain.EngineStopped)
	e.log.Info("engine stopped")
	return nil
}

func (e *Engine) cancelOpenOrders(ctx context.Context) {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.log.Warn("listing open orders for cancellation", "err", err)
		return
	}
	for _, order := range open {
		e.log.Info("cancelling open order", "order_id", order.ID)
		if _, err := e.broker.CancelOrder(ctx, order.ID); err != nil {
			e.log.Warn("cancelling order", "order_id", order.ID, "err", err)
		}
	}
}

func (e *Engine) waitWorkers(budget time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	if budget <= 0 {
		budget = time.Millisecond
	}
	select {
	case <-done:
		return true
	case <-time.After(budget):
		return false
	}
}

// Pause keeps positions and workers alive but drops incoming signals.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != domain.EngineRunning {
		e.mu.Unlock()
		e.log.Warn("cannot pause, engine not running")
		return
	}
	e.mu.Unlock()
	e.setState(domain.EnginePaused)
	e.log.Info("engine paused, signals will be ignored")
}

// Resume returns a paused engine to Running.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != domain.EnginePaused {
		e.mu.Unlock()
		e.log.Warn("cannot resume, engine not paused")
		return
	}
	e.mu.Unlock()
	e.setState(domain.EngineRunning)
	e.log.Info("engine resumed")
}

// State returns the current lifecycle state.
func (e *Engine) State() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetStatus returns the live session view.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	state := e.state
	uptime := e.uptimeLocked()
	e.mu.Unlock()

	return Status{
		State:           state,
		Uptime:          uptime,
		BrokerConnected: e.broker.IsConnected(),
		Strategy:        e.strategy.Name(),
		Bus:             e.bus.Stats(),
	}
}

// GetStatistics aggregates engine, order manager, and risk counters.
func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	stats := Statistics{
		State:           e.state,
		Uptime:          e.uptimeLocked(),
		SignalsReceived: e.signals,
		OrdersSubmitted: e.submitted,
		OrdersFilled:    e.filled,
		OrdersRejected:  e.rejected,
	}
	e.mu.Unlock()

	stats.Orders = e.orders.Statistics()
	if e.risk != nil {
		stats.Risk = e.risk.Metrics()
	}
	return stats
}

// Snapshot builds the durable view persisted by the state store.
func (e *Engine) Snapshot() domain.EngineSnapshot {
	e.mu.Lock()
	state := e.state
	stats := map[string]any{
		"signals_received": e.signals,
		"orders_submitted": e.submitted,
		"orders_filled":    e.filled,
		"orders_rejected":  e.rejected,
		"uptime_seconds":   e.uptimeLocked().Seconds(),
	}
	e.mu.Unlock()

	var pending []string
	for _, o := range e.orders.OpenOrders() {
		pending = append(pending, o.ID)
	}

	return domain.EngineSnapshot{
		Timestamp:     time.Now(),
		State:         state,
		StrategyName:  e.strategy.Name(),
		BrokerName:    e.cfg.BrokerName,
		Positions:     e.strategy.Positions(),
		PendingOrders: pending,
		Statistics:    stats,
	}
}

// HandleFill routes a broker fill into the order manager and onto the
// bus. Brokers that surface fills through callbacks are wired here.
func (e *Engine) HandleFill(fill domain.Fill) {
	e.orders.ProcessFill(fill)
	ev := domain.NewEvent(domain.EventFill, domain.PriorityOrder, engineSource, fill)
	if err := e.bus.Publish(ev); err != nil {
		e.log.Warn("publishing fill event", "order_id", fill.OrderID, "err", err)
	}
}

// OnStatus registers a callback fired on every lifecycle transition.
func (e *Engine) OnStatus(fn func(domain.EngineState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = append(e.onStatus, fn)
}

// OnError registers a callback fired on start failures and worker
// errors.
func (e *Engine) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

func (e *Engine) setState(state domain.EngineState) {
	e.mu.Lock()
	e.state = state
	callbacks := append([]func(domain.EngineState){}, e.onStatus...)
	e.mu.Unlock()

	for _, cb := range callbacks {
		e.safeCall(func() { cb(state) })
	}
}

func (e *Engine) fireError(err error) {
	e.mu.Lock()
	callbacks := append([]func(error){}, e.onError...)
	e.mu.Unlock()

	for _, cb := range callbacks {
		e.safeCall(func() { cb(err) })
	}
}

func (e *Engine) uptimeLocked() time.Duration {
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

func (e *Engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine callback panicked", "panic", r)
		}
	}()
	fn()
}
