// Package checkpoint persists resumable per-trip download checkpoints and
// tracks stop requests for running batches.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/model"
)

// ErrNotFound is returned when a trip has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

const schema = `
CREATE TABLE IF NOT EXISTS download_checkpoints (
	trip_id             INTEGER PRIMARY KEY,
	trip_server_id      TEXT    NOT NULL DEFAULT '',
	trip_name           TEXT    NOT NULL DEFAULT '',
	remaining_tiles     TEXT    NOT NULL DEFAULT '[]',
	completed_count     INTEGER NOT NULL DEFAULT 0,
	total_count         INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes    INTEGER NOT NULL DEFAULT 0,
	status              TEXT    NOT NULL,
	interruption_reason TEXT    NOT NULL DEFAULT '',
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_checkpoints_status
	ON download_checkpoints (status, updated_at);
`

const selectColumns = `trip_id, trip_server_id, trip_name, remaining_tiles, completed_count,
	total_count, downloaded_bytes, status, interruption_reason, updated_at`

// Store keeps checkpoints in SQLite and stop requests in memory.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time

	stops sync.Map // int64 -> model.StopReason
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping checkpoint db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RequestStop asks the running batch of tripID to stop for reason.
// StopRunning is not a stop cause and is ignored.
func (s *Store) RequestStop(tripID int64, reason model.StopReason) {
	if reason == model.StopRunning {
		s.logger.Warn().Int64("trip_id", tripID).Msg("ignoring stop request without a reason")
		return
	}
	s.stops.Store(tripID, reason)
	s.logger.Info().Int64("trip_id", tripID).Stringer("reason", reason).Msg("stop requested")
}

// IsStopRequested reports whether tripID has a pending stop request.
func (s *Store) IsStopRequested(tripID int64) bool {
	_, ok := s.stops.Load(tripID)
	return ok
}

// TryGetStopReason returns the pending stop reason of tripID, if any.
func (s *Store) TryGetStopReason(tripID int64) (model.StopReason, bool) {
	v, ok := s.stops.Load(tripID)
	if !ok {
		return model.StopRunning, false
	}
	return v.(model.StopReason), true
}

// ClearStopRequest drops the pending stop request of tripID.
func (s *Store) ClearStopRequest(tripID int64) {
	s.stops.Delete(tripID)
}

// IsPaused reports whether tripID is paused, either by a pending pause
// request or by a persisted Paused or LimitReached checkpoint.
func (s *Store) IsPaused(ctx context.Context, tripID int64) (bool, error) {
	if reason, ok := s.TryGetStopReason(tripID); ok && reason.CanResume() {
		return true, nil
	}
	state, err := s.Get(ctx, tripID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isPausedStatus(state.Status), nil
}

func isPausedStatus(status model.DownloadStatus) bool {
	return status == model.StatusPaused || status == model.StatusLimitReached
}

// Save creates or overwrites the checkpoint of state.TripID. UpdatedAt is
// set to the current time.
func (s *Store) Save(ctx context.Context, state model.DownloadState) error {
	if !state.Status.Valid() {
		return fmt.Errorf("save checkpoint for trip %d: invalid status %q", state.TripID, state.Status)
	}
	tiles := state.RemainingTiles
	if tiles == nil {
		tiles = []model.Tile{}
	}
	remaining, err := json.Marshal(tiles)
	if err != nil {
		return fmt.Errorf("encode remaining tiles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO download_checkpoints (trip_id, trip_server_id, trip_name, remaining_tiles,
			completed_count, total_count, downloaded_bytes, status, interruption_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trip_id) DO UPDATE SET
			trip_server_id = excluded.trip_server_id,
			trip_name = excluded.trip_name,
			remaining_tiles = excluded.remaining_tiles,
			completed_count = excluded.completed_count,
			total_count = excluded.total_count,
			downloaded_bytes = excluded.downloaded_bytes,
			status = excluded.status,
			interruption_reason = excluded.interruption_reason,
			updated_at = excluded.updated_at`,
		state.TripID, state.TripServerID, state.TripName, string(remaining),
		state.CompletedCount, state.TotalCount, state.DownloadedBytes,
		string(state.Status), state.InterruptionReason, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint for trip %d: %w", state.TripID, err)
	}

	s.logger.Debug().
		Int64("trip_id", state.TripID).
		Str("status", string(state.Status)).
		Int("remaining", len(tiles)).
		Int("completed", state.CompletedCount).
		Msg("checkpoint saved")
	return nil
}

// Get returns the checkpoint of tripID or ErrNotFound.
func (s *Store) Get(ctx context.Context, tripID int64) (model.DownloadState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM download_checkpoints WHERE trip_id = ?`, tripID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownloadState{}, fmt.Errorf("trip %d: %w", tripID, ErrNotFound)
	}
	if err != nil {
		return model.DownloadState{}, fmt.Errorf("get checkpoint for trip %d: %w", tripID, err)
	}
	return state, nil
}

// Delete removes the checkpoint of tripID. Deleting a missing checkpoint is
// not an error.
func (s *Store) Delete(ctx context.Context, tripID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_checkpoints WHERE trip_id = ?`, tripID); err != nil {
		return fmt.Errorf("delete checkpoint for trip %d: %w", tripID, err)
	}
	return nil
}

// ListPaused returns the resumable checkpoints, most recently updated first.
func (s *Store) ListPaused(ctx context.Context) ([]model.DownloadState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM download_checkpoints
		WHERE status IN (?, ?) ORDER BY updated_at DESC, trip_id`,
		string(model.StatusPaused), string(model.StatusLimitReached))
	if err != nil {
		return nil, fmt.Errorf("list paused checkpoints: %w", err)
	}
	defer rows.Close()

	var states []model.DownloadState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("list paused checkpoints: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (model.DownloadState, error) {
	var (
		state     model.DownloadState
		remaining string
		status    string
		updatedAt int64
	)
	err := row.Scan(&state.TripID, &state.TripServerID, &state.TripName, &remaining,
		&state.CompletedCount, &state.TotalCount, &state.DownloadedBytes,
		&status, &state.InterruptionReason, &updatedAt)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal([]byte(remaining), &state.RemainingTiles); err != nil {
		return state, fmt.Errorf("decode remaining tiles of trip %d: %w", state.TripID, err)
	}
	state.Status = model.DownloadStatus(status)
	state.UpdatedAt = time.Unix(0, updatedAt)
	return state, nil
}
