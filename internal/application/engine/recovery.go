package engine

import (
	"context"
	"fmt"
)

// recoverFromCrash checks the state store for an unrecovered crash. If
// one exists the latest snapshot seeds the strategy's positions, a
// reconciliation pass rebases them against the broker, and the crash
// markers are closed.
func (e *Engine) recoverFromCrash(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	crashed, err := e.store.HasUnrecoveredCrash(ctx)
	if err != nil {
		return fmt.Errorf("engine.recoverFromCrash: checking crash markers: %w", err)
	}
	if !crashed {
		return nil
	}

	e.log.Warn("unrecovered crash detected, restoring last snapshot")

	snap, err := e.store.GetLatestState(ctx)
	if err != nil {
		return fmt.Errorf("engine.recoverFromCrash: loading snapshot: %w", err)
	}
	if snap != nil {
		for symbol, qty := range snap.Positions {
			e.strategy.SetPosition(symbol, qty)
		}
		e.log.Info("snapshot restored",
			"timestamp", snap.Timestamp, "positions", len(snap.Positions),
			"pending_orders", len(snap.PendingOrders))
	}

	// The broker is the source of truth for whatever happened while we
	// were down.
	if err := e.syncPositions(ctx); err != nil {
		return fmt.Errorf("engine.recoverFromCrash: reconciling: %w", err)
	}

	ids, err := e.store.UnrecoveredCrashIDs(ctx)
	if err != nil {
		return fmt.Errorf("engine.recoverFromCrash: listing crash markers: %w", err)
	}
	for _, id := range ids {
		if err := e.store.MarkCrashRecovered(ctx, id); err != nil {
			return fmt.Errorf("engine.recoverFromCrash: closing crash marker %d: %w", id, err)
		}
	}

	e.log.Info("crash recovery complete", "markers_closed", len(ids))
	return nil
}
