package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GroundTruthRecord is one persisted regex-vs-AI field comparison, the
// trainer's input signal for pattern health.
type GroundTruthRecord struct {
	ID         int64
	PostID     int64
	Field      string
	RegexValue string
	AIValue    string
	Agreement  string // regex, ai, both, conflict
	PatternID  *int64
	CreatedAt  time.Time
}

// AddGroundTruth persists one field comparison.
func (s *Store) AddGroundTruth(ctx context.Context, g *GroundTruthRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ground_truth (post_id, field, regex_value, ai_value, agreement, pattern_id)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, g.PostID, g.Field, g.RegexValue, g.AIValue, g.Agreement, g.PatternID)
	if err != nil {
		return 0, fmt.Errorf("inserting ground truth: %w", err)
	}
	return res.LastInsertId()
}

// ListGroundTruthForPost returns the stored comparisons for one post.
func (s *Store) ListGroundTruthForPost(ctx context.Context, postID int64) ([]*GroundTruthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, field, COALESCE(regex_value, ''), COALESCE(ai_value, ''),
		       agreement, pattern_id, created_at
		FROM ground_truth WHERE post_id = ? ORDER BY id
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("querying ground truth: %w", err)
	}
	defer rows.Close()

	var out []*GroundTruthRecord
	for rows.Next() {
		var g GroundTruthRecord
		var patternID sql.NullInt64
		if err := rows.Scan(&g.ID, &g.PostID, &g.Field, &g.RegexValue, &g.AIValue,
			&g.Agreement, &patternID, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ground truth row: %w", err)
		}
		if patternID.Valid {
			g.PatternID = &patternID.Int64
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// AgreementStats summarizes ground truth by agreement source.
func (s *Store) AgreementStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agreement, COUNT(*) FROM ground_truth GROUP BY agreement
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agreement stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var agreement string
		var n int64
		if err := rows.Scan(&agreement, &n); err != nil {
			return nil, fmt.Errorf("scanning agreement row: %w", err)
		}
		out[agreement] = n
	}
	return out, rows.Err()
}
