package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunLogEntry is one append-only structured log row for a run.
type RunLogEntry struct {
	ID         int64
	RunID      string
	Stage      string
	Level      string
	Message    string
	DurationMS *int64
	Payload    string // JSON, optional
	CreatedAt  time.Time
}

// AppendRunLog writes one log row. Callers treat failures as non-fatal.
func (s *Store) AppendRunLog(ctx context.Context, e *RunLogEntry) error {
	level := e.Level
	if level == "" {
		level = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, stage, level, message, duration_ms, payload)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))
	`, e.RunID, e.Stage, level, e.Message, e.DurationMS, e.Payload)
	if err != nil {
		return fmt.Errorf("appending run log: %w", err)
	}
	return nil
}

// ListRunLogs returns a run's log in insertion order.
func (s *Store) ListRunLogs(ctx context.Context, runID string, limit int) ([]*RunLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, level, message, duration_ms, COALESCE(payload, ''), created_at
		FROM run_logs WHERE run_id = ? ORDER BY id ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run logs: %w", err)
	}
	defer rows.Close()

	var out []*RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		var dur sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Level, &e.Message, &dur, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run log row: %w", err)
		}
		if dur.Valid {
			e.DurationMS = &dur.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
