// Package storage persists engine snapshots and crash markers in SQLite
// (pure Go driver, no CGo).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS engine_states (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp           DATETIME NOT NULL,
    state               TEXT     NOT NULL,
    strategy_name       TEXT     NOT NULL,
    broker_name         TEXT     NOT NULL,
    positions_json      TEXT     NOT NULL DEFAULT '{}',
    pending_orders_json TEXT     NOT NULL DEFAULT '[]',
    statistics_json     TEXT     NOT NULL DEFAULT '{}',
    created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS crash_markers (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp          DATETIME NOT NULL,
    engine_state_id    INTEGER,
    recovered          INTEGER  NOT NULL DEFAULT 0,
    recovery_timestamp DATETIME
);

CREATE INDEX IF NOT EXISTS idx_states_ts ON engine_states(timestamp DESC);
`

// SQLiteStateStore implements ports.StateStore on a single SQLite file.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore opens (or creates) the database at the given DSN
// and applies the schema.
func NewSQLiteStateStore(dsn string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStateStore: open %q: %w", dsn, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStateStore: apply schema: %w", err)
	}
	return &SQLiteStateStore{db: db}, nil
}

// SaveState persists one snapshot and returns its row ID.
func (s *SQLiteStateStore) SaveState(ctx context.Context, snap domain.EngineSnapshot) (int64, error) {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveState: encoding positions: %w", err)
	}
	pending, err := json.Marshal(snap.PendingOrders)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveState: encoding pending orders: %w", err)
	}
	stats, err := json.Marshal(snap.Statistics)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveState: encoding statistics: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_states
			(timestamp, state, strategy_name, broker_name,
			 positions_json, pending_orders_json, statistics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC(), string(snap.State), snap.StrategyName, snap.BrokerName,
		string(positions), string(pending), string(stats), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage.SaveState: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage.SaveState: last insert id: %w", err)
	}
	return id, nil
}

// GetLatestState returns the most recent snapshot, or nil when none
// exists.
func (s *SQLiteStateStore) GetLatestState(ctx context.Context) (*domain.EngineSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, state, strategy_name, broker_name,
		       positions_json, pending_orders_json, statistics_json
		FROM engine_states
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`)

	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetLatestState: %w", err)
	}
	return snap, nil
}

// MarkCrash records an unclean shutdown and returns the marker ID.
func (s *SQLiteStateStore) MarkCrash(ctx context.Context, stateID *int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crash_markers (timestamp, engine_state_id, recovered)
		VALUES (?, ?, 0)`,
		time.Now().UTC(), stateID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage.MarkCrash: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage.MarkCrash: last insert id: %w", err)
	}
	return id, nil
}

// HasUnrecoveredCrash reports whether any crash marker is pending
// recovery.
func (s *SQLiteStateStore) HasUnrecoveredCrash(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crash_markers WHERE recovered = 0`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage.HasUnrecoveredCrash: %w", err)
	}
	return count > 0, nil
}

// MarkCrashRecovered closes one crash marker.
func (s *SQLiteStateStore) MarkCrashRecovered(ctx context.Context, crashID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crash_markers
		SET recovered = 1, recovery_timestamp = ?
		WHERE id = ?`,
		time.Now().UTC(), crashID,
	)
	if err != nil {
		return fmt.Errorf("storage.MarkCrashRecovered: %w", err)
	}
	return nil
}

// UnrecoveredCrashIDs returns the pending crash marker IDs, oldest
// first.
func (s *SQLiteStateStore) UnrecoveredCrashIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM crash_markers WHERE recovered = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage.UnrecoveredCrashIDs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.UnrecoveredCrashIDs: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStateHistory returns up to limit snapshots, most recent first.
func (s *SQLiteStateStore) GetStateHistory(ctx context.Context, limit int) ([]domain.EngineSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, state, strategy_name, broker_name,
		       positions_json, pending_orders_json, statistics_json
		FROM engine_states
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.GetStateHistory: query: %w", err)
	}
	defer rows.Close()

	var out []domain.EngineSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage.GetStateHistory: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// CleanupOldStates deletes snapshots older than the given number of days
// and returns how many rows were removed.
func (s *SQLiteStateStore) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM engine_states WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage.CleanupOldStates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage.CleanupOldStates: rows affected: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

func scanSnapshot(scan func(...any) error) (*domain.EngineSnapshot, error) {
	var (
		snap      domain.EngineSnapshot
		ts        time.Time
		state     string
		positions string
		pending   string
		stats     string
	)
	if err := scan(&ts, &state, &snap.StrategyName, &snap.BrokerName, &positions, &pending, &stats); err != nil {
		return nil, err
	}
	snap.Timestamp = ts
	snap.State = domain.EngineState(state)
	if err := json.Unmarshal([]byte(positions), &snap.Positions); err != nil {
		return nil, fmt.Errorf("decoding positions: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &snap.PendingOrders); err != nil {
		return nil, fmt.Errorf("decoding pending orders: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &snap.Statistics); err != nil {
		return nil, fmt.Errorf("decoding statistics: %w", err)
	}
	return &snap, nil
}
