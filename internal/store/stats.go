package store

import (
	"context"
	"fmt"
)

// Stats holds aggregate pipeline statistics for observability.
type Stats struct {
	Posts              int64            `json:"posts"`
	Events             int64            `json:"events"`
	Duplicates         int64            `json:"duplicates"`
	KnownVenues        int64            `json:"known_venues"`
	EventGroups        int64            `json:"event_groups"`
	ActivePatterns     int64            `json:"active_patterns"`
	PendingSuggestions int64            `json:"pending_suggestions"`
	PostsByTier        map[string]int64 `json:"posts_by_tier"`
	GroundTruthRows    int64            `json:"ground_truth_rows"`
}

// GetStats collects aggregate counts across the pipeline tables.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{PostsByTier: map[string]int64{}}

	singles := []struct {
		dest  *int64
		query string
	}{
		{&st.Posts, `SELECT COUNT(*) FROM posts`},
		{&st.Events, `SELECT COUNT(*) FROM posts WHERE is_event = 1`},
		{&st.Duplicates, `SELECT COUNT(*) FROM posts WHERE is_duplicate = 1`},
		{&st.KnownVenues, `SELECT COUNT(*) FROM known_venues`},
		{&st.EventGroups, `SELECT COUNT(*) FROM event_groups`},
		{&st.ActivePatterns, `SELECT COUNT(*) FROM patterns WHERE is_active = 1 AND is_valid = 1`},
		{&st.PendingSuggestions, `SELECT COUNT(*) FROM pattern_suggestions WHERE status = 'pending'`},
		{&st.GroundTruthRows, `SELECT COUNT(*) FROM ground_truth`},
	}
	for _, q := range singles {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT review_tier, COUNT(*) FROM posts WHERE is_event = 1 AND review_tier != '' GROUP BY review_tier
	`)
	if err != nil {
		return nil, fmt.Errorf("collecting tier stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scanning tier row: %w", err)
		}
		st.PostsByTier[tier] = n
	}
	return st, rows.Err()
}
