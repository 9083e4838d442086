package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PatternSuggestion is a candidate pattern proposed by the trainer.
// Lifecycle: pending → approved (promoted to Pattern) | rejected.
type PatternSuggestion struct {
	ID            int64
	FieldType     string
	Expression    string
	SampleCaption string
	SampleValue   string
	Occurrences   int64
	Status        string
	CreatedAt     time.Time
	DecidedAt     *time.Time
}

// UpsertSuggestion records a suggested pattern, bumping the occurrence count
// when the same shape is proposed again. Rejected shapes stay rejected.
func (s *Store) UpsertSuggestion(ctx context.Context, sg *PatternSuggestion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pattern_suggestions (field_type, expression, sample_caption, sample_value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(field_type, expression) DO UPDATE SET
			occurrences = occurrences + 1
		WHERE pattern_suggestions.status = 'pending'
	`, sg.FieldType, sg.Expression, sg.SampleCaption, sg.SampleValue)
	if err != nil {
		return fmt.Errorf("upserting pattern suggestion: %w", err)
	}
	return nil
}

// ListSuggestions returns suggestions filtered by status ("" for all).
func (s *Store) ListSuggestions(ctx context.Context, status string) ([]*PatternSuggestion, error) {
	query := `
		SELECT id, field_type, expression, COALESCE(sample_caption, ''), COALESCE(sample_value, ''),
		       occurrences, status, created_at, decided_at
		FROM pattern_suggestions
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY occurrences DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer rows.Close()

	var out []*PatternSuggestion
	for rows.Next() {
		var sg PatternSuggestion
		var decided sql.NullTime
		if err := rows.Scan(&sg.ID, &sg.FieldType, &sg.Expression, &sg.SampleCaption,
			&sg.SampleValue, &sg.Occurrences, &sg.Status, &sg.CreatedAt, &decided); err != nil {
			return nil, fmt.Errorf("scanning suggestion row: %w", err)
		}
		if decided.Valid {
			sg.DecidedAt = &decided.Time
		}
		out = append(out, &sg)
	}
	return out, rows.Err()
}

// ApproveSuggestion promotes a pending suggestion to an active ai_learned
// pattern in a single transaction.
func (s *Store) ApproveSuggestion(ctx context.Context, id int64, priority int, confidence float64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback()

	var fieldType, expression string
	err = tx.QueryRowContext(ctx, `
		SELECT field_type, expression FROM pattern_suggestions WHERE id = ? AND status = 'pending'
	`, id).Scan(&fieldType, &expression)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("suggestion %d is not pending", id)
	}
	if err != nil {
		return 0, fmt.Errorf("loading suggestion %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO patterns (field_type, expression, priority, confidence, source)
		VALUES (?, ?, ?, ?, 'ai_learned')
		ON CONFLICT(field_type, expression) DO UPDATE SET is_active = 1
	`, fieldType, expression, priority, confidence)
	if err != nil {
		return 0, fmt.Errorf("promoting suggestion %d: %w", id, err)
	}
	patternID, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `
		UPDATE pattern_suggestions SET status = 'approved', decided_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id); err != nil {
		return 0, fmt.Errorf("marking suggestion %d approved: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing approval: %w", err)
	}
	return patternID, nil
}

// RejectSuggestion marks a pending suggestion rejected.
func (s *Store) RejectSuggestion(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pattern_suggestions SET status = 'rejected', decided_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("rejecting suggestion %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("suggestion %d is not pending", id)
	}
	return nil
}
