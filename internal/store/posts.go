package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Post is the persisted pipeline output for one ingested social post.
// external_id is the idempotence key; caption_hash detects unchanged
// re-ingests so totals are never double counted.
type Post struct {
	ID          int64
	ExternalID  string
	OwnerHandle string
	Caption     string
	CaptionHash string
	ImageRef    string
	PostedAt    time.Time
	Likes       int64
	Comments    int64

	IsEvent      bool
	RejectReason string

	Title        string
	EventDate    string // YYYY-MM-DD
	EventEndDate string
	StartTime    string // HH:MM, 24h
	EndTime      string
	VenueName    string
	VenueAddress string
	VenueNorm    string
	Lat          *float64
	Lng          *float64
	VenueMatch   string // exact, alias, word, partial, fuzzy, cache, cache_fuzzy, geocoded
	VenueSource  string // known_venue, regional_cache, geocoder
	PriceMin     *float64
	PriceMax     *float64
	IsFree       *bool
	SignupURL    string
	Category     string

	Confidence         float64
	ExtractionMethod   string // regex, ai, ai_corrected, ocr_ai
	FieldSources       map[string]string
	Conflicts          []string
	ValidationWarnings []string
	AIReference        string // JSON of a sub-threshold AI result kept for reference
	ReviewTier         string
	NeedsReview        bool
	IsDuplicate        bool
	DuplicateOf        *int64
	Urgency            int
	Status             string
	RunID              string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const postColumns = `
	id, external_id, owner_handle, caption, caption_hash, COALESCE(image_ref, ''),
	posted_at, likes, comments, is_event, COALESCE(reject_reason, ''),
	COALESCE(title, ''), COALESCE(event_date, ''), COALESCE(event_end_date, ''),
	COALESCE(start_time, ''), COALESCE(end_time, ''),
	COALESCE(venue_name, ''), COALESCE(venue_address, ''), COALESCE(venue_norm, ''),
	lat, lng, COALESCE(venue_match_type, ''), COALESCE(venue_source, ''),
	price_min, price_max, is_free, COALESCE(signup_url, ''), COALESCE(category, ''),
	confidence, extraction_method,
	COALESCE(field_sources, '{}'), COALESCE(conflicts, '[]'), COALESCE(validation_warnings, '[]'),
	COALESCE(ai_reference, ''),
	review_tier, needs_review, is_duplicate, duplicate_of, urgency, status,
	COALESCE(run_id, ''), created_at, updated_at
`

// UpsertPost writes a post row atomically. Returns the row id and whether
// the row was actually inserted or changed; an unchanged re-ingest of the
// same external id (identical caption hash) reports changed=false.
func (s *Store) UpsertPost(ctx context.Context, p *Post) (int64, bool, error) {
	fieldSources, _ := json.Marshal(orEmptyMap(p.FieldSources))
	conflicts, _ := json.Marshal(orEmptySlice(p.Conflicts))
	warnings, _ := json.Marshal(orEmptySlice(p.ValidationWarnings))

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (
			external_id, owner_handle, caption, caption_hash, image_ref, posted_at,
			likes, comments, is_event, reject_reason,
			title, event_date, event_end_date, start_time, end_time,
			venue_name, venue_address, venue_norm, lat, lng, venue_match_type, venue_source,
			price_min, price_max, is_free, signup_url, category,
			confidence, extraction_method, field_sources, conflicts, validation_warnings, ai_reference,
			review_tier, needs_review, is_duplicate, duplicate_of, urgency, status, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			owner_handle = excluded.owner_handle,
			caption = excluded.caption,
			caption_hash = excluded.caption_hash,
			image_ref = excluded.image_ref,
			posted_at = excluded.posted_at,
			likes = excluded.likes,
			comments = excluded.comments,
			is_event = excluded.is_event,
			reject_reason = excluded.reject_reason,
			title = excluded.title,
			event_date = excluded.event_date,
			event_end_date = excluded.event_end_date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			venue_name = excluded.venue_name,
			venue_address = excluded.venue_address,
			venue_norm = excluded.venue_norm,
			lat = excluded.lat,
			lng = excluded.lng,
			venue_match_type = excluded.venue_match_type,
			venue_source = excluded.venue_source,
			price_min = excluded.price_min,
			price_max = excluded.price_max,
			is_free = excluded.is_free,
			signup_url = excluded.signup_url,
			category = excluded.category,
			confidence = excluded.confidence,
			extraction_method = excluded.extraction_method,
			field_sources = excluded.field_sources,
			conflicts = excluded.conflicts,
			validation_warnings = excluded.validation_warnings,
			ai_reference = excluded.ai_reference,
			review_tier = excluded.review_tier,
			needs_review = excluded.needs_review,
			is_duplicate = excluded.is_duplicate,
			duplicate_of = excluded.duplicate_of,
			urgency = excluded.urgency,
			status = excluded.status,
			run_id = excluded.run_id,
			updated_at = CURRENT_TIMESTAMP
		WHERE posts.caption_hash <> excluded.caption_hash
	`,
		p.ExternalID, p.OwnerHandle, p.Caption, p.CaptionHash, nullIfEmpty(p.ImageRef), p.PostedAt,
		p.Likes, p.Comments, p.IsEvent, nullIfEmpty(p.RejectReason),
		nullIfEmpty(p.Title), nullIfEmpty(p.EventDate), nullIfEmpty(p.EventEndDate),
		nullIfEmpty(p.StartTime), nullIfEmpty(p.EndTime),
		nullIfEmpty(p.VenueName), nullIfEmpty(p.VenueAddress), nullIfEmpty(p.VenueNorm),
		p.Lat, p.Lng, nullIfEmpty(p.VenueMatch), nullIfEmpty(p.VenueSource),
		p.PriceMin, p.PriceMax, p.IsFree, nullIfEmpty(p.SignupURL), nullIfEmpty(p.Category),
		p.Confidence, p.ExtractionMethod, string(fieldSources), string(conflicts), string(warnings), nullIfEmpty(p.AIReference),
		p.ReviewTier, p.NeedsReview, p.IsDuplicate, p.DuplicateOf, p.Urgency, p.Status, nullIfEmpty(p.RunID),
	)
	if err != nil {
		return 0, false, fmt.Errorf("upserting post %s: %w", p.ExternalID, err)
	}

	affected, _ := res.RowsAffected()

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM posts WHERE external_id = ?`, p.ExternalID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("resolving post id for %s: %w", p.ExternalID, err)
	}

	return id, affected > 0, nil
}

// GetPost fetches one post by row id.
func (s *Store) GetPost(ctx context.Context, id int64) (*Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying post %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanPost(rows)
}

// GetPostByExternalID fetches one post by its source platform id.
func (s *Store) GetPostByExternalID(ctx context.Context, externalID string) (*Post, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postColumns+` FROM posts WHERE external_id = ?`, externalID)
	if err != nil {
		return nil, fmt.Errorf("querying post %s: %w", externalID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanPost(rows)
}

// FindEventCandidates returns event posts at the same normalized venue with
// an event date inside the ±1 day merge window, excluding the post itself.
func (s *Store) FindEventCandidates(ctx context.Context, venueNorm string, dates []string, excludeID int64) ([]*Post, error) {
	if venueNorm == "" || len(dates) == 0 {
		return nil, nil
	}

	query := `SELECT ` + postColumns + ` FROM posts
		WHERE is_event = 1 AND venue_norm = ? AND id <> ? AND event_date IN (`
	args := []interface{}{venueNorm, excludeID}
	for i, d := range dates {
		if i > 0 {
			query += `,`
		}
		query += `?`
		args = append(args, d)
	}
	query += `) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event candidates: %w", err)
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPostDuplicate points a post at the primary it duplicates.
func (s *Store) MarkPostDuplicate(ctx context.Context, postID, primaryID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET is_duplicate = 1, duplicate_of = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, primaryID, postID)
	if err != nil {
		return fmt.Errorf("marking post %d duplicate of %d: %w", postID, primaryID, err)
	}
	return nil
}

// ListReviewQueue returns posts in a review tier ordered by urgency, most
// urgent first. Empty tier lists every post that needs review.
func (s *Store) ListReviewQueue(ctx context.Context, tier string, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + postColumns + ` FROM posts WHERE is_event = 1`
	args := []interface{}{}
	if tier != "" {
		query += ` AND review_tier = ?`
		args = append(args, tier)
	} else {
		query += ` AND needs_review = 1`
	}
	query += ` ORDER BY urgency DESC, event_date ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying review queue: %w", err)
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPost(rows *sql.Rows) (*Post, error) {
	var p Post
	var postedAt sql.NullTime
	var lat, lng, priceMin, priceMax sql.NullFloat64
	var isFree sql.NullBool
	var dupOf sql.NullInt64
	var fieldSources, conflicts, warnings string

	if err := rows.Scan(
		&p.ID, &p.ExternalID, &p.OwnerHandle, &p.Caption, &p.CaptionHash, &p.ImageRef,
		&postedAt, &p.Likes, &p.Comments, &p.IsEvent, &p.RejectReason,
		&p.Title, &p.EventDate, &p.EventEndDate, &p.StartTime, &p.EndTime,
		&p.VenueName, &p.VenueAddress, &p.VenueNorm,
		&lat, &lng, &p.VenueMatch, &p.VenueSource,
		&priceMin, &priceMax, &isFree, &p.SignupURL, &p.Category,
		&p.Confidence, &p.ExtractionMethod,
		&fieldSources, &conflicts, &warnings, &p.AIReference,
		&p.ReviewTier, &p.NeedsReview, &p.IsDuplicate, &dupOf, &p.Urgency, &p.Status,
		&p.RunID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scanning post row: %w", err)
	}

	if postedAt.Valid {
		p.PostedAt = postedAt.Time
	}
	if lat.Valid {
		p.Lat = &lat.Float64
	}
	if lng.Valid {
		p.Lng = &lng.Float64
	}
	if priceMin.Valid {
		p.PriceMin = &priceMin.Float64
	}
	if priceMax.Valid {
		p.PriceMax = &priceMax.Float64
	}
	if isFree.Valid {
		p.IsFree = &isFree.Bool
	}
	if dupOf.Valid {
		p.DuplicateOf = &dupOf.Int64
	}
	json.Unmarshal([]byte(fieldSources), &p.FieldSources)
	json.Unmarshal([]byte(conflicts), &p.Conflicts)
	json.Unmarshal([]byte(warnings), &p.ValidationWarnings)

	return &p, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
