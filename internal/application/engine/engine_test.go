package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quantx/internal/adapters/broker"
	"github.com/alejandrodnm/quantx/internal/adapters/storage"
	"github.com/alejandrodnm/quantx/internal/application/oms"
	"github.com/alejandrodnm/quantx/internal/application/possync"
	"github.com/alejandrodnm/quantx/internal/application/risk"
	"github.com/alejandrodnm/quantx/internal/bus"
	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// stubStrategy records engine interactions and tracks positions.
type stubStrategy struct {
	mu        sync.Mutex
	pub       ports.Publisher
	positions map[string]float64
	started   bool
	stopped   bool
	fills     int
	data      int
}

func newStubStrategy() *stubStrategy {
	return &stubStrategy{positions: make(map[string]float64)}
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) SetEventBus(pub ports.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = pub
}

func (s *stubStrategy) OnStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *stubStrategy) OnStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubStrategy) OnData(domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data++
}

func (s *stubStrategy) OnFill(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	if fill, ok := ev.Payload.(domain.Fill); ok {
		delta := fill.Quantity
		if fill.Side == domain.SideSell {
			delta = -delta
		}
		s.positions[fill.Symbol] += delta
	}
}

func (s *stubStrategy) Positions() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.positions))
	for sym, qty := range s.positions {
		out[sym] = qty
	}
	return out
}

func (s *stubStrategy) SetPosition(symbol string, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty == 0 {
		delete(s.positions, symbol)
		return
	}
	s.positions[symbol] = qty
}

func (s *stubStrategy) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills
}

func (s *stubStrategy) dataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// flakyBroker fails connects on demand and can drop its connection.
type flakyBroker struct {
	mu          sync.Mutex
	connected   bool
	failConnect bool
	connects    int
}

func (f *flakyBroker) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect {
		return errors.New("venue unreachable")
	}
	f.connected = true
	return nil
}

func (f *flakyBroker) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *flakyBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *flakyBroker) drop(failReconnects bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.failConnect = failReconnects
}

func (f *flakyBroker) connectAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *flakyBroker) PlaceOrder(_ context.Context, order *domain.Order) (string, error) {
	return order.ID, nil
}
func (f *flakyBroker) CancelOrder(context.Context, string) (bool, error) { return false, nil }
func (f *flakyBroker) GetOrder(context.Context, string) (*domain.Order, error) {
	return nil, nil
}
func (f *flakyBroker) GetOpenOrders(context.Context) ([]*domain.Order, error) { return nil, nil }
func (f *flakyBroker) GetPositions(context.Context) ([]domain.Position, error) {
	return nil, nil
}
func (f *flakyBroker) GetPosition(context.Context, string) (*domain.Position, error) {
	return nil, nil
}
func (f *flakyBroker) GetAccount(context.Context) (domain.Account, error) {
	return domain.Account{}, nil
}
func (f *flakyBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{Symbol: symbol}, nil
}
func (f *flakyBroker) ValidateOrder(*domain.Order) error { return nil }

type harness struct {
	engine   *Engine
	strategy *stubStrategy
	paper    *broker.Paper
	orders   *oms.OrderManager
	bus      *bus.Bus
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	paper := broker.NewPaper(broker.Config{InitialCapital: 100000})
	eventBus := bus.New(0)
	orders := oms.NewOrderManager(paper, oms.WithPublisher(eventBus))
	strat := newStubStrategy()
	cfg.BrokerName = "paper"

	eng := New(cfg, strat, paper, orders, eventBus, opts...)
	paper.OnFill(eng.HandleFill)

	t.Cleanup(func() {
		_ = eng.Stop(context.Background(), 2*time.Second)
	})
	return &harness{engine: eng, strategy: strat, paper: paper, orders: orders, bus: eventBus}
}

func marketSignal(symbol string, qty float64) domain.Event {
	return domain.NewEvent(domain.EventSignal, domain.PrioritySignal, "stub", domain.Signal{
		Symbol:    symbol,
		Action:    domain.SideBuy,
		Quantity:  qty,
		Strategy:  "stub",
		Timestamp: time.Now(),
	})
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	var mu sync.Mutex
	var transitions []domain.EngineState
	h.engine.OnStatus(func(state domain.EngineState) {
		mu.Lock()
		transitions = append(transitions, state)
		mu.Unlock()
	})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, domain.EngineRunning, h.engine.State())
	assert.True(t, h.paper.IsConnected())

	status := h.engine.GetStatus()
	assert.Equal(t, "stub", status.Strategy)
	assert.True(t, status.BrokerConnected)
	assert.True(t, status.Bus.Running)

	require.NoError(t, h.engine.Stop(context.Background(), 2*time.Second))
	assert.Equal(t, domain.EngineStopped, h.engine.State())
	assert.False(t, h.bus.Stats().Running)
	assert.True(t, h.strategy.stopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EngineState{
		domain.EngineStarting, domain.EngineRunning,
		domain.EngineStopping, domain.EngineStopped,
	}, transitions)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))
	assert.Error(t, h.engine.Start(context.Background()))
}

func TestSignalBecomesOrderAndFill(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))
	h.paper.UpdatePrices(map[string]float64{"AAPL": 150})

	require.NoError(t, h.bus.Publish(marketSignal("AAPL", 100)))

	waitFor(t, func() bool {
		return h.orders.Statistics().OrdersFilled == 1
	}, "order to fill")
	waitFor(t, func() bool {
		return h.strategy.fillCount() == 1
	}, "strategy fill callback")

	// Sync adopts the broker position into the strategy view.
	waitFor(t, func() bool {
		positions := h.strategy.Positions()
		return positions["AAPL"] > 99 && positions["AAPL"] < 101
	}, "strategy position sync")

	pos, err := h.paper.GetPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 100.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.075, pos.AvgPrice, 0.01)

	stats := h.engine.GetStatistics()
	assert.Equal(t, 1, stats.SignalsReceived)
	assert.Equal(t, 1, stats.OrdersSubmitted)
}

func TestDryRunNeverSubmits(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})
	require.NoError(t, h.engine.Start(context.Background()))
	h.paper.UpdatePrices(map[string]float64{"AAPL": 150})

	require.NoError(t, h.bus.Publish(marketSignal("AAPL", 10)))

	waitFor(t, func() bool {
		return h.engine.GetStatistics().SignalsReceived == 1
	}, "signal counted")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.orders.Statistics().OrdersSubmitted)
	assert.Zero(t, h.orders.Statistics().TotalOrders)
}

func TestPausedIgnoresSignals(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))
	h.paper.UpdatePrices(map[string]float64{"AAPL": 150})

	h.engine.Pause()
	assert.Equal(t, domain.EnginePaused, h.engine.State())

	require.NoError(t, h.bus.Publish(marketSignal("AAPL", 10)))
	waitFor(t, func() bool {
		return h.engine.GetStatistics().SignalsReceived == 1
	}, "paused signal counted")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.orders.Statistics().OrdersSubmitted)

	h.engine.Resume()
	assert.Equal(t, domain.EngineRunning, h.engine.State())

	require.NoError(t, h.bus.Publish(marketSignal("AAPL", 10)))
	waitFor(t, func() bool {
		return h.orders.Statistics().OrdersFilled == 1
	}, "order after resume")
}

func TestPausedStillProcessesFills(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Pause()

	h.engine.HandleFill(domain.Fill{
		ID: "f1", OrderID: "o1", Symbol: "AAPL",
		Side: domain.SideBuy, Quantity: 5, Price: 150, Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		return h.strategy.fillCount() == 1
	}, "fill processed while paused")
	assert.Equal(t, 1, h.engine.GetStatistics().OrdersFilled)
}

func TestMarketDataForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.bus.Publish(domain.NewEvent(
		domain.EventTick, domain.PriorityTick, "stream",
		domain.Tick{Token: 1, LastPrice: 100})))
	require.NoError(t, h.bus.Publish(domain.NewEvent(
		domain.EventMarketData, domain.PriorityTick, "stream",
		domain.Quote{Symbol: "AAPL", Last: 100})))

	waitFor(t, func() bool {
		return h.strategy.dataCount() == 2
	}, "market data forwarded")
}

func TestCriticalViolationPausesEngine(t *testing.T) {
	sup := risk.NewSupervisor(risk.DefaultLimits())
	h := newHarness(t, Config{}, WithRisk(sup))

	require.NoError(t, h.engine.Start(context.Background()))
	h.paper.UpdatePrices(map[string]float64{"AAPL": 150})

	sup.TriggerKillSwitch("manual")

	// Any check while latched produces a Critical violation which the
	// engine observes on the bus.
	account, err := h.paper.GetAccount(context.Background())
	require.NoError(t, err)
	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 10)
	safe, violations := sup.CheckOrder(order, account, nil)
	assert.False(t, safe)
	require.NotEmpty(t, violations)

	waitFor(t, func() bool {
		return h.engine.State() == domain.EnginePaused
	}, "engine paused on critical violation")
}

func TestStartFailureEntersErrorState(t *testing.T) {
	b := &flakyBroker{failConnect: true}
	eventBus := bus.New(0)
	orders := oms.NewOrderManager(b, oms.WithPublisher(eventBus))
	eng := New(Config{}, newStubStrategy(), b, orders, eventBus)

	var gotErr error
	eng.OnError(func(err error) { gotErr = err })

	err := eng.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.EngineError, eng.State())
	assert.ErrorContains(t, gotErr, "venue unreachable")
}

func TestHeartbeatPublished(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	heartbeats := 0
	h.bus.Subscribe(domain.EventHeartbeat, func(ev domain.Event) {
		mu.Lock()
		heartbeats++
		mu.Unlock()
	})

	require.NoError(t, h.engine.Start(context.Background()))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return heartbeats >= 2
	}, "heartbeat events")
}

func TestReconnectExhaustionStopsEngine(t *testing.T) {
	b := &flakyBroker{}
	eventBus := bus.New(0)
	orders := oms.NewOrderManager(b, oms.WithPublisher(eventBus))
	eng := New(Config{
		HeartbeatInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       time.Millisecond,
	}, newStubStrategy(), b, orders, eventBus,
		WithSynchronizer(possync.NewSynchronizer(b, false, 0)))

	var mu sync.Mutex
	var gotErr error
	eng.OnError(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	require.NoError(t, eng.Start(context.Background()))
	initial := b.connectAttempts()
	b.drop(true)

	waitFor(t, func() bool {
		return eng.State() == domain.EngineStopped
	}, "engine stop after reconnect exhaustion")
	assert.GreaterOrEqual(t, b.connectAttempts()-initial, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorContains(t, gotErr, "reconnect attempts exhausted")
}

func TestCrashRecoverySeedsPositions(t *testing.T) {
	store, err := storage.NewSQLiteStateStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	stateID, err := store.SaveState(ctx, domain.EngineSnapshot{
		Timestamp:    time.Now(),
		State:        domain.EngineRunning,
		StrategyName: "stub",
		BrokerName:   "paper",
		Positions:    map[string]float64{"AAPL": 7},
	})
	require.NoError(t, err)
	_, err = store.MarkCrash(ctx, &stateID)
	require.NoError(t, err)

	paper := broker.NewPaper(broker.Config{InitialCapital: 100000})
	eventBus := bus.New(0)
	orders := oms.NewOrderManager(paper, oms.WithPublisher(eventBus))
	strat := newStubStrategy()
	// Reconciliation must not zero the restored position against the
	// empty paper book, so auto-reconcile stays off here.
	eng := New(Config{BrokerName: "paper"}, strat, paper, orders, eventBus,
		WithStateStore(store),
		WithSynchronizer(possync.NewSynchronizer(paper, false, 0)))
	t.Cleanup(func() { _ = eng.Stop(ctx, 2*time.Second) })

	require.NoError(t, eng.Start(ctx))

	assert.InDelta(t, 7.0, strat.Positions()["AAPL"], 1e-9)
	crashed, err := store.HasUnrecoveredCrash(ctx)
	require.NoError(t, err)
	assert.False(t, crashed)
}

func TestSyncWorkerPersistsSnapshots(t *testing.T) {
	store, err := storage.NewSQLiteStateStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := newHarness(t, Config{PositionSyncInterval: 20 * time.Millisecond},
		WithStateStore(store))
	require.NoError(t, h.engine.Start(context.Background()))

	waitFor(t, func() bool {
		snap, err := store.GetLatestState(context.Background())
		return err == nil && snap != nil
	}, "snapshot persisted by sync worker")

	snap, err := store.GetLatestState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stub", snap.StrategyName)
	assert.Equal(t, "paper", snap.BrokerName)
}

func TestSnapshotShape(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Start(context.Background()))
	h.strategy.SetPosition("AAPL", 10)

	snap := h.engine.Snapshot()
	assert.Equal(t, domain.EngineRunning, snap.State)
	assert.Equal(t, "stub", snap.StrategyName)
	assert.Equal(t, "paper", snap.BrokerName)
	assert.InDelta(t, 10.0, snap.Positions["AAPL"], 1e-9)
	assert.Contains(t, snap.Statistics, "signals_received")
}
