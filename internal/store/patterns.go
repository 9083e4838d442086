package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Pattern is one prioritized regex rule for extracting a single field type.
// Health counters are monotonic; a pattern is deactivated or flagged invalid
// on sustained failure, never deleted.
type Pattern struct {
	ID           int64
	FieldType    string // date, time, venue, price, url, vendor
	Expression   string
	Priority     int
	Confidence   float64
	IsActive     bool
	IsValid      bool
	SuccessCount int64
	FailureCount int64
	Source       string // default, manual, ai_learned
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ListActivePatterns returns active, valid patterns for all field types,
// ordered by (priority DESC, confidence DESC) within each type.
func (s *Store) ListActivePatterns(ctx context.Context) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field_type, expression, priority, confidence, is_active, is_valid,
		       success_count, failure_count, source, created_at, updated_at
		FROM patterns
		WHERE is_active = 1 AND is_valid = 1
		ORDER BY field_type, priority DESC, confidence DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active patterns: %w", err)
	}
	defer rows.Close()

	return scanPatterns(rows)
}

// ListPatterns returns all patterns regardless of state.
func (s *Store) ListPatterns(ctx context.Context) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field_type, expression, priority, confidence, is_active, is_valid,
		       success_count, failure_count, source, created_at, updated_at
		FROM patterns
		ORDER BY field_type, priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	return scanPatterns(rows)
}

func scanPatterns(rows *sql.Rows) ([]*Pattern, error) {
	var out []*Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.FieldType, &p.Expression, &p.Priority, &p.Confidence,
			&p.IsActive, &p.IsValid, &p.SuccessCount, &p.FailureCount, &p.Source,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pattern row: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pattern rows: %w", err)
	}
	return out, nil
}

// AddPattern inserts a pattern. Inserting an expression that already exists
// for the field type is a no-op (idempotent seed/approval).
func (s *Store) AddPattern(ctx context.Context, p *Pattern) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (field_type, expression, priority, confidence, is_active, source)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(field_type, expression) DO NOTHING
	`, p.FieldType, p.Expression, p.Priority, p.Confidence, p.Source)
	if err != nil {
		return 0, fmt.Errorf("inserting pattern: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecordPatternSuccess atomically increments the success counter.
func (s *Store) RecordPatternSuccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns
		SET success_count = success_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("recording pattern success: %w", err)
	}
	return nil
}

// RecordPatternFailure atomically increments the failure counter and
// deactivates the pattern when its failure rate crosses the threshold over
// a minimum sample size. Deactivation never deletes the row.
func (s *Store) RecordPatternFailure(ctx context.Context, id int64, maxFailureRate float64, minSamples int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns
		SET failure_count = failure_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("recording pattern failure: %w", err)
	}

	// The cutoff check is a conditional write so concurrent batches can't
	// race a read-modify-write on the counters.
	_, err = s.db.ExecContext(ctx, `
		UPDATE patterns
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		  AND is_active = 1
		  AND success_count + failure_count >= ?
		  AND CAST(failure_count AS REAL) / (success_count + failure_count) > ?
	`, id, minSamples, maxFailureRate)
	if err != nil {
		return fmt.Errorf("deactivating failing pattern: %w", err)
	}
	return nil
}

// MarkPatternInvalid excludes a pattern whose expression no longer compiles.
func (s *Store) MarkPatternInvalid(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET is_valid = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("marking pattern invalid: %w", err)
	}
	return nil
}

// SetPatternActive toggles a pattern without touching its counters.
func (s *Store) SetPatternActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	if err != nil {
		return fmt.Errorf("toggling pattern: %w", err)
	}
	return nil
}

// seedDefaultPatterns installs the built-in pattern set on first bootstrap.
// Group 1 of each expression is the canonical captured value; the extractor
// normalizes it per field type.
func (s *Store) seedDefaultPatterns() error {
	type seed struct {
		fieldType  string
		expression string
		priority   int
		confidence float64
	}

	seeds := []seed{
		// Dates
		{"date", `\b(\d{4}-\d{2}-\d{2})\b`, 100, 0.95},
		{"date", `(?i)\b((?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\.?\s+\d{1,2}(?:\s*,?\s*\d{4})?)\b`, 90, 0.9},
		{"date", `(?i)\b(\d{1,2}\s+(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:t(?:ember)?)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)(?:\s+\d{4})?)\b`, 85, 0.9},
		{"date", `\b(\d{1,2}/\d{1,2}(?:/\d{2,4})?)\b`, 70, 0.75},
		{"date", `(?i)\b((?:this|next)\s+(?:Mon|Tues|Wednes|Thurs|Fri|Satur|Sun)day)\b`, 60, 0.6},

		// Times (range before single so "7-10PM" wins over "10PM")
		{"time", `(?i)\b(\d{1,2}(?::\d{2})?\s*(?:AM|PM)?\s*(?:-|–|to)\s*\d{1,2}(?::\d{2})?\s*(?:AM|PM))\b`, 110, 0.9},
		{"time", `(?i)\b(\d{1,2}(?::\d{2})?\s*(?:AM|PM))\b`, 100, 0.9},
		{"time", `\b([01]?\d:[0-5]\d|2[0-3]:[0-5]\d)\s*(?:H|hrs)?\b`, 90, 0.8},

		// Venues
		{"venue", `(?im)^\s*(?:venue|location|where)\s*:\s*(.+?)\s*$`, 110, 0.95},
		// Capitalization is load-bearing here: the run of capitalized words
		// after "at" is the venue name, so no (?i) flag.
		{"venue", `\b(?:at|At|@)\s+((?:The\s+)?[A-Z][A-Za-z0-9'&.-]*(?:\s+[A-Z&][A-Za-z0-9'&.-]*)*)`, 100, 0.8},
		{"venue", `\b(?:happening|Happening)\s+at\s+([A-Z][A-Za-z0-9'&. -]{2,60}?)(?:[,.!\n]|$)`, 90, 0.75},

		// Prices
		{"price", `(?i)\b(free\s+(?:entry|admission|entrance|event)|entrance\s+is\s+free|no\s+cover|libre(?:ng)?\s+pasok)\b`, 100, 0.95},
		{"price", `(?i)(?:₱|PHP|P)\s?(\d{2,5}(?:\s*(?:-|–|to)\s*(?:₱|PHP|P)?\s?\d{2,5})?)`, 95, 0.9},
		{"price", `(?i)\b(?:entry|cover|tickets?|dmg|damage)\s*:?\s*(?:₱|PHP|P)?\s?(\d{2,5})\b`, 90, 0.85},

		// Signup / registration URLs
		{"url", `(?i)\b(?:sign\s*up|register|rsvp|tickets?)\b[^\n]*?(https?://\S+|(?:bit\.ly|forms\.gle|tinyurl\.com)/\S+)`, 110, 0.9},
		{"url", `(https?://\S+)`, 100, 0.7},

		// Vendor/merchant signals (used by the pre-filter, not extraction)
		{"vendor", `(?i)\b(shop\s+now|order\s+now|dm\s+(?:us\s+)?to\s+order|promo\s+code|free\s+shipping|sale\s+ends|add\s+to\s+cart|mine\s+to\s+order|cod\s+available)\b`, 100, 0.9},
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sd := range seeds {
		if _, err := tx.Exec(`
			INSERT INTO patterns (field_type, expression, priority, confidence, source)
			VALUES (?, ?, ?, ?, 'default')
			ON CONFLICT(field_type, expression) DO NOTHING
		`, sd.fieldType, sd.expression, sd.priority, sd.confidence); err != nil {
			return fmt.Errorf("seeding pattern %s/%d: %w", sd.fieldType, sd.priority, err)
		}
	}

	return tx.Commit()
}
