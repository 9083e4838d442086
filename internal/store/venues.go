package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// KnownVenue is a curated venue identity: the highest-priority geocoding
// source. correction_count is bumped every time the venue is learned or
// confirmed from a manual correction.
type KnownVenue struct {
	ID              int64
	Name            string
	NormalizedName  string
	Aliases         []string
	Address         string
	Lat             *float64
	Lng             *float64
	OwnerHandle     string
	CorrectionCount int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertKnownVenue inserts or refreshes a venue keyed by normalized name.
func (s *Store) UpsertKnownVenue(ctx context.Context, v *KnownVenue) (int64, error) {
	aliases, err := json.Marshal(v.Aliases)
	if err != nil {
		return 0, fmt.Errorf("marshaling aliases: %w", err)
	}
	if v.Aliases == nil {
		aliases = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO known_venues (name, normalized_name, aliases, address, lat, lng, owner_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET
			name = excluded.name,
			aliases = excluded.aliases,
			address = COALESCE(excluded.address, known_venues.address),
			lat = COALESCE(excluded.lat, known_venues.lat),
			lng = COALESCE(excluded.lng, known_venues.lng),
			owner_handle = COALESCE(NULLIF(excluded.owner_handle, ''), known_venues.owner_handle),
			updated_at = CURRENT_TIMESTAMP
	`, v.Name, v.NormalizedName, string(aliases), nullIfEmpty(v.Address), v.Lat, v.Lng, v.OwnerHandle)
	if err != nil {
		return 0, fmt.Errorf("upserting known venue: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListKnownVenues loads the full curated venue table. The resolver loads it
// once per run into its in-memory index.
func (s *Store) ListKnownVenues(ctx context.Context) ([]*KnownVenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, normalized_name, aliases, COALESCE(address, ''), lat, lng,
		       COALESCE(owner_handle, ''), correction_count, created_at, updated_at
		FROM known_venues
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying known venues: %w", err)
	}
	defer rows.Close()

	var out []*KnownVenue
	for rows.Next() {
		v, err := scanKnownVenue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetKnownVenueByNormalizedName fetches one venue by its canonical key.
func (s *Store) GetKnownVenueByNormalizedName(ctx context.Context, norm string) (*KnownVenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, normalized_name, aliases, COALESCE(address, ''), lat, lng,
		       COALESCE(owner_handle, ''), correction_count, created_at, updated_at
		FROM known_venues
		WHERE normalized_name = ?
	`, norm)
	if err != nil {
		return nil, fmt.Errorf("querying known venue: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanKnownVenue(rows)
}

// RecordVenueCorrection increments the correction counter, used when a
// manual review correction teaches the venue table.
func (s *Store) RecordVenueCorrection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE known_venues
		SET correction_count = correction_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("recording venue correction: %w", err)
	}
	return nil
}

func scanKnownVenue(rows *sql.Rows) (*KnownVenue, error) {
	var v KnownVenue
	var aliases string
	var lat, lng sql.NullFloat64
	if err := rows.Scan(&v.ID, &v.Name, &v.NormalizedName, &aliases, &v.Address,
		&lat, &lng, &v.OwnerHandle, &v.CorrectionCount, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning known venue row: %w", err)
	}
	if err := json.Unmarshal([]byte(aliases), &v.Aliases); err != nil {
		v.Aliases = nil
	}
	if lat.Valid {
		v.Lat = &lat.Float64
	}
	if lng.Valid {
		v.Lng = &lng.Float64
	}
	return &v, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
