package store

import (
	"database/sql"
	"fmt"
)

// migrate creates all tables if they don't exist and seeds the default
// pattern set on first bootstrap.
func (s *Store) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
		if err := s.seedDefaultPatterns(); err != nil {
			return fmt.Errorf("seeding default patterns: %w", err)
		}
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	return nil
}

func (s *Store) runBootstrapDDL() error {
	statements := []string{
		// Ingested posts with extraction output and review routing.
		// external_id is the idempotence key: re-ingesting the same post
		// with an unchanged caption_hash is a no-op.
		`CREATE TABLE IF NOT EXISTS posts (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id         TEXT UNIQUE NOT NULL,
			owner_handle        TEXT NOT NULL DEFAULT '',
			caption             TEXT NOT NULL DEFAULT '',
			caption_hash        TEXT NOT NULL DEFAULT '',
			image_ref           TEXT,
			posted_at           DATETIME,
			likes               INTEGER NOT NULL DEFAULT 0,
			comments            INTEGER NOT NULL DEFAULT 0,
			is_event            INTEGER NOT NULL DEFAULT 0,
			reject_reason       TEXT,
			title               TEXT,
			event_date          TEXT,
			event_end_date      TEXT,
			start_time          TEXT,
			end_time            TEXT,
			venue_name          TEXT,
			venue_address       TEXT,
			venue_norm          TEXT,
			lat                 REAL,
			lng                 REAL,
			venue_match_type    TEXT,
			venue_source        TEXT,
			price_min           REAL,
			price_max           REAL,
			is_free             INTEGER,
			signup_url          TEXT,
			category            TEXT,
			confidence          REAL NOT NULL DEFAULT 0,
			extraction_method   TEXT NOT NULL DEFAULT '',
			field_sources       TEXT,
			conflicts           TEXT,
			validation_warnings TEXT,
			ai_reference        TEXT,
			review_tier         TEXT NOT NULL DEFAULT '',
			needs_review        INTEGER NOT NULL DEFAULT 0,
			is_duplicate        INTEGER NOT NULL DEFAULT 0,
			duplicate_of        INTEGER REFERENCES posts(id),
			urgency             INTEGER NOT NULL DEFAULT 0,
			status              TEXT NOT NULL DEFAULT 'ingested',
			run_id              TEXT,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_posts_venue_date ON posts(venue_norm, event_date)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_review_tier ON posts(review_tier)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_run_id ON posts(run_id)`,

		// Mutable regex pattern store. Counters only ever increase;
		// patterns are deactivated or flagged invalid, never deleted.
		`CREATE TABLE IF NOT EXISTS patterns (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			field_type    TEXT NOT NULL CHECK(field_type IN ('date','time','venue','price','url','vendor')),
			expression    TEXT NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0,
			confidence    REAL NOT NULL DEFAULT 0.8,
			is_active     INTEGER NOT NULL DEFAULT 1,
			is_valid      INTEGER NOT NULL DEFAULT 1,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			source        TEXT NOT NULL DEFAULT 'default' CHECK(source IN ('default','manual','ai_learned')),
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(field_type, expression)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_patterns_active ON patterns(field_type, is_active, priority)`,

		// Candidate patterns proposed by the trainer, pending human review.
		`CREATE TABLE IF NOT EXISTS pattern_suggestions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			field_type     TEXT NOT NULL,
			expression     TEXT NOT NULL,
			sample_caption TEXT,
			sample_value   TEXT,
			occurrences    INTEGER NOT NULL DEFAULT 1,
			status         TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','approved','rejected')),
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			decided_at     DATETIME,
			UNIQUE(field_type, expression)
		)`,

		// Curated venue identities: highest-priority geocoding source.
		`CREATE TABLE IF NOT EXISTS known_venues (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			name             TEXT NOT NULL,
			normalized_name  TEXT UNIQUE NOT NULL,
			aliases          TEXT NOT NULL DEFAULT '[]',
			address          TEXT,
			lat              REAL,
			lng              REAL,
			owner_handle     TEXT,
			correction_count INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// One primary post per group; members hold the merged posts.
		// A primary must never itself be a member of another group.
		`CREATE TABLE IF NOT EXISTS event_groups (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			primary_post_id INTEGER NOT NULL UNIQUE REFERENCES posts(id),
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS event_group_members (
			group_id INTEGER NOT NULL REFERENCES event_groups(id) ON DELETE CASCADE,
			post_id  INTEGER NOT NULL UNIQUE REFERENCES posts(id),
			added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, post_id)
		)`,

		// One ingestion batch (or a set of chunked batches sharing a run id).
		`CREATE TABLE IF NOT EXISTS scrape_runs (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','completed','failed','cancelled','timeout')),
			batch_index      INTEGER NOT NULL DEFAULT 0,
			batch_total      INTEGER NOT NULL DEFAULT 1,
			posts_total      INTEGER NOT NULL DEFAULT 0,
			posts_processed  INTEGER NOT NULL DEFAULT 0,
			posts_failed     INTEGER NOT NULL DEFAULT 0,
			posts_rejected   INTEGER NOT NULL DEFAULT 0,
			duplicates       INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			error            TEXT,
			heartbeat_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at      DATETIME
		)`,

		// Persisted regex-vs-AI field comparisons, the trainer's input signal.
		`CREATE TABLE IF NOT EXISTS ground_truth (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			post_id     INTEGER NOT NULL REFERENCES posts(id),
			field       TEXT NOT NULL,
			regex_value TEXT,
			ai_value    TEXT,
			agreement   TEXT NOT NULL CHECK(agreement IN ('regex','ai','both','conflict')),
			pattern_id  INTEGER REFERENCES patterns(id),
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ground_truth_pattern ON ground_truth(pattern_id)`,

		// Append-only structured run log.
		`CREATE TABLE IF NOT EXISTS run_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL,
			stage       TEXT NOT NULL,
			level       TEXT NOT NULL DEFAULT 'info',
			message     TEXT NOT NULL,
			duration_ms INTEGER,
			payload     TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, created_at)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *Store) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *Store) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
