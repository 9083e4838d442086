package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScrapeRun is one ingestion batch (or several chunked batches sharing a
// run id). Counter updates are atomic SQL increments so parallel batch
// invocations never lose counts.
type ScrapeRun struct {
	ID              string
	Status          string // running, completed, failed, cancelled, timeout
	BatchIndex      int
	BatchTotal      int
	PostsTotal      int64
	PostsProcessed  int64
	PostsFailed     int64
	PostsRejected   int64
	Duplicates      int64
	CancelRequested bool
	Error           string
	HeartbeatAt     time.Time
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// CreateRun registers a run. Re-registering an existing run id (another
// batch chunk of the same logical run) only bumps the expected totals.
func (s *Store) CreateRun(ctx context.Context, id string, batchIndex, batchTotal int, postsTotal int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (id, batch_index, batch_total, posts_total)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			batch_index = excluded.batch_index,
			batch_total = excluded.batch_total,
			posts_total = scrape_runs.posts_total + excluded.posts_total,
			heartbeat_at = CURRENT_TIMESTAMP
	`, id, batchIndex, batchTotal, postsTotal)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", id, err)
	}
	return nil
}

// GetRun fetches a run row.
func (s *Store) GetRun(ctx context.Context, id string) (*ScrapeRun, error) {
	var r ScrapeRun
	var errMsg sql.NullString
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, batch_index, batch_total, posts_total, posts_processed,
		       posts_failed, posts_rejected, duplicates, cancel_requested, error,
		       heartbeat_at, started_at, finished_at
		FROM scrape_runs WHERE id = ?
	`, id).Scan(&r.ID, &r.Status, &r.BatchIndex, &r.BatchTotal, &r.PostsTotal,
		&r.PostsProcessed, &r.PostsFailed, &r.PostsRejected, &r.Duplicates,
		&r.CancelRequested, &errMsg, &r.HeartbeatAt, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

// RunCounter identifies one of the run's atomic counters.
type RunCounter string

const (
	CounterProcessed RunCounter = "posts_processed"
	CounterFailed    RunCounter = "posts_failed"
	CounterRejected  RunCounter = "posts_rejected"
	CounterDuplicate RunCounter = "duplicates"
)

// IncrementRunCounter bumps one counter atomically.
func (s *Store) IncrementRunCounter(ctx context.Context, runID string, counter RunCounter) error {
	var col string
	switch counter {
	case CounterProcessed, CounterFailed, CounterRejected, CounterDuplicate:
		col = string(counter)
	default:
		return fmt.Errorf("unknown run counter %q", counter)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs SET `+col+` = `+col+` + 1 WHERE id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("incrementing %s for run %s: %w", col, runID, err)
	}
	return nil
}

// FinishRun transitions a running run to a terminal status. The status
// guard makes the transition a compare-and-swap: a run another batch has
// already finished (or a monitor has reclaimed) is left untouched.
func (s *Store) FinishRun(ctx context.Context, runID, status, errMsg string) error {
	switch status {
	case "completed", "failed", "cancelled", "timeout":
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs
		SET status = ?, error = NULLIF(?, ''), finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running'
	`, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	return nil
}

// Heartbeat refreshes the run's liveness timestamp. Best-effort: the caller
// ignores errors by design.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs SET heartbeat_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'running'
	`, runID)
	return err
}

// RequestCancel sets the cooperative cancellation flag.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs SET cancel_requested = 1 WHERE id = ? AND status = 'running'
	`, runID)
	if err != nil {
		return fmt.Errorf("requesting cancel for run %s: %w", runID, err)
	}
	return nil
}

// IsCancelRequested reads the cooperative cancellation flag. The pipeline
// polls this every N posts.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM scrape_runs WHERE id = ?
	`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cancel flag for run %s: %w", runID, err)
	}
	return flag, nil
}

// ReclaimStuckRuns marks running runs whose heartbeat is older than the
// timeout as failed, returning how many were reclaimed.
func (s *Store) ReclaimStuckRuns(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs
		SET status = 'failed', error = 'heartbeat timeout', finished_at = CURRENT_TIMESTAMP
		WHERE status = 'running' AND heartbeat_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stuck runs: %w", err)
	}
	return res.RowsAffected()
}
