package ports

import (
	"context"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// StateStore persists engine snapshots and crash markers for recovery.
type StateStore interface {
	// SaveState persists a snapshot and returns its row ID.
	SaveState(ctx context.Context, snap domain.EngineSnapshot) (int64, error)

	// GetLatestState returns the most recent snapshot, or nil when none
	// exists.
	GetLatestState(ctx context.Context) (*domain.EngineSnapshot, error)

	// MarkCrash records an unclean shutdown, optionally tied to the last
	// persisted state, and returns the marker ID.
	MarkCrash(ctx context.Context, stateID *int64) (int64, error)

	HasUnrecoveredCrash(ctx context.Context) (bool, error)

	// UnrecoveredCrashIDs returns pending crash marker IDs, oldest first.
	UnrecoveredCrashIDs(ctx context.Context) ([]int64, error)

	MarkCrashRecovered(ctx context.Context, crashID int64) error

	GetStateHistory(ctx context.Context, limit int) ([]domain.EngineSnapshot, error)

	// CleanupOldStates deletes snapshots older than the given number of
	// days and returns how many rows were removed.
	CleanupOldStates(ctx context.Context, days int) (int64, error)

	Close() error
}
