package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// positionSyncWorker reconciles positions and persists a snapshot on
// every interval until the engine stops.
func (e *Engine) positionSyncWorker(stopCh <-chan struct{}) {
	defer e.wg.Done()
	e.log.Debug("position sync worker started")

	ticker := time.NewTicker(e.cfg.PositionSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			e.log.Debug("position sync worker stopped")
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := e.syncPositions(ctx); err != nil {
				e.log.Warn("periodic position sync failed", "err", err)
			}
			e.persistSnapshot(ctx)
		}
	}
}

// heartbeatWorker publishes Heartbeat events and watches the broker
// connection. A lost connection triggers the reconnect routine; on
// exhaustion the engine stops.
func (e *Engine) heartbeatWorker(stopCh <-chan struct{}) {
	defer e.wg.Done()
	e.log.Debug("heartbeat worker started")

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			e.log.Debug("heartbeat worker stopped")
			return
		case <-ticker.C:
			e.publishHeartbeat()

			e.mu.Lock()
			running := e.state == domain.EngineRunning
			e.mu.Unlock()
			if running && !e.broker.IsConnected() {
				e.log.Warn("broker connection lost, reconnecting")
				if !e.reconnectBroker(stopCh) {
					return
				}
			}
		}
	}
}

func (e *Engine) publishHeartbeat() {
	e.mu.Lock()
	payload := map[string]any{
		"state":  string(e.state),
		"uptime": e.uptimeLocked().Seconds(),
	}
	e.mu.Unlock()

	ev := domain.NewEvent(domain.EventHeartbeat, domain.PriorityHeartbeat, engineSource, payload)
	if err := e.bus.Publish(ev); err != nil {
		e.log.Warn("publishing heartbeat", "err", err)
	}
}

// reconnectBroker retries the broker connection up to the configured
// attempt cap. It reports false after launching an engine stop on
// exhaustion.
func (e *Engine) reconnectBroker(stopCh <-chan struct{}) bool {
	ctx := context.Background()
	for attempt := 1; attempt <= e.cfg.MaxReconnectAttempts; attempt++ {
		e.log.Info("broker reconnect attempt",
			"attempt", attempt, "max", e.cfg.MaxReconnectAttempts)

		if err := e.broker.Connect(ctx); err != nil {
			e.log.Warn("broker reconnect failed", "attempt", attempt, "err", err)
		} else if e.broker.IsConnected() {
			e.log.Info("broker reconnected")
			if err := e.syncPositions(ctx); err != nil {
				e.log.Warn("post-reconnect sync failed", "err", err)
			}
			return true
		}

		select {
		case <-stopCh:
			return false
		case <-time.After(e.cfg.ReconnectDelay):
		}
	}

	err := fmt.Errorf("engine: broker reconnect attempts exhausted after %d tries", e.cfg.MaxReconnectAttempts)
	e.log.Error("stopping engine", "err", err)
	e.fireError(err)
	// Stop joins this worker; it has to run elsewhere.
	go func() {
		if stopErr := e.Stop(context.Background(), defaultStopTimeout); stopErr != nil {
			e.log.Error("stop after reconnect exhaustion failed", "err", stopErr)
		}
	}()
	return false
}

// syncPositions reconciles the strategy's position view against the
// broker and writes the reconciled quantities back into the strategy.
func (e *Engine) syncPositions(ctx context.Context) error {
	local := e.strategy.Positions()
	prices := make(map[string]float64)

	report, err := e.syncer.SyncPositions(ctx, local, prices)
	if err != nil {
		return err
	}
	for symbol, qty := range local {
		e.strategy.SetPosition(symbol, qty)
	}

	if e.tracker != nil {
		if positions, err := e.broker.GetPositions(ctx); err == nil {
			e.tracker.UpdateFromPositions(positions)
		}
	}

	if !report.Synced {
		e.log.Warn("position sync finished with discrepancies",
			"unresolved", report.Unresolved())
	}
	return nil
}

// persistSnapshot writes the current snapshot to the state store when
// one is configured.
func (e *Engine) persistSnapshot(ctx context.Context) {
	if e.store == nil {
		return
	}
	if _, err := e.store.SaveState(ctx, e.Snapshot()); err != nil {
		e.log.Warn("persisting engine snapshot", "err", err)
	}
}
