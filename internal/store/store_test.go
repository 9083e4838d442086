package store

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SeedsDefaultPatterns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	patterns, err := s.ListActivePatterns(ctx)
	if err != nil {
		t.Fatalf("ListActivePatterns: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("expected seeded patterns in a fresh database")
	}

	byType := map[string]int{}
	for _, p := range patterns {
		byType[p.FieldType]++
		if p.Source != "default" {
			t.Errorf("seeded pattern %d has source %q, want default", p.ID, p.Source)
		}
		if !p.IsActive || !p.IsValid {
			t.Errorf("seeded pattern %d not active and valid", p.ID)
		}
	}
	for _, ft := range []string{"date", "time", "venue", "price", "url", "vendor"} {
		if byType[ft] == 0 {
			t.Errorf("no seeded patterns for field type %q", ft)
		}
	}
}

func TestOpen_MigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/kalendaryo.db"

	s1, err := Open(Config{DBPath: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first, err := s1.ListPatterns(context.Background())
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	s1.Close()

	s2, err := Open(Config{DBPath: path})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	second, err := s2.ListPatterns(context.Background())
	if err != nil {
		t.Fatalf("ListPatterns after reopen: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("reopen changed pattern count: %d -> %d", len(first), len(second))
	}
}

func TestGetStats_CountsAcrossTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertPost(ctx, &Post{
		ExternalID: "st-1", Caption: "c", CaptionHash: "h1", PostedAt: time.Now().UTC(),
		IsEvent: true, Title: "Jazz Night", EventDate: "2025-12-05",
		ReviewTier: "ready", ExtractionMethod: "regex", Status: "processed",
	})
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}
	_, _, err = s.UpsertPost(ctx, &Post{
		ExternalID: "st-2", Caption: "c2", CaptionHash: "h2", PostedAt: time.Now().UTC(),
		IsEvent: false, RejectReason: "vendor", ReviewTier: "rejected",
		ExtractionMethod: "regex", Status: "processed",
	})
	if err != nil {
		t.Fatalf("UpsertPost: %v", err)
	}
	if _, err := s.UpsertKnownVenue(ctx, &KnownVenue{Name: "Saguijo", NormalizedName: "saguijo"}); err != nil {
		t.Fatalf("UpsertKnownVenue: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Posts != 2 || stats.Events != 1 || stats.KnownVenues != 1 {
		t.Fatalf("stats = %+v, want 2 posts, 1 event, 1 venue", stats)
	}
	if stats.ActivePatterns == 0 {
		t.Fatal("expected seeded active patterns in stats")
	}
	if stats.PostsByTier["ready"] != 1 {
		t.Fatalf("PostsByTier = %v, want ready:1", stats.PostsByTier)
	}
}
