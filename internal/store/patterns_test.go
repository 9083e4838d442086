package store

import (
	"context"
	"regexp"
	"strings"
	"testing"
)

func TestRecordPatternFailure_DeactivatesPastThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddPattern(ctx, &Pattern{
		FieldType:  "date",
		Expression: `\b(someday)\b`,
		Priority:   10,
		Confidence: 0.5,
		Source:     "manual",
	})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}

	// 1 success, then failures. Below the 5-sample floor nothing happens
	// even at a 75% failure rate.
	if err := s.RecordPatternSuccess(ctx, id); err != nil {
		t.Fatalf("RecordPatternSuccess: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordPatternFailure(ctx, id, 0.5, 5); err != nil {
			t.Fatalf("RecordPatternFailure: %v", err)
		}
	}
	if p := findPattern(t, s, id); !p.IsActive {
		t.Fatal("pattern deactivated below the minimum sample size")
	}

	// Fifth sample crosses both gates: 4/5 failures > 0.5.
	if err := s.RecordPatternFailure(ctx, id, 0.5, 5); err != nil {
		t.Fatalf("RecordPatternFailure: %v", err)
	}
	p := findPattern(t, s, id)
	if p.IsActive {
		t.Fatal("pattern still active past the failure threshold")
	}
	if !p.IsValid {
		t.Fatal("deactivation must not mark the pattern invalid")
	}
	if p.SuccessCount != 1 || p.FailureCount != 4 {
		t.Fatalf("counters = %d/%d, want 1/4", p.SuccessCount, p.FailureCount)
	}
}

func TestRecordPatternFailure_HealthyPatternStaysActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddPattern(ctx, &Pattern{
		FieldType: "time", Expression: `\b(noonish)\b`, Priority: 10, Confidence: 0.5, Source: "manual",
	})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}

	for i := 0; i < 8; i++ {
		if err := s.RecordPatternSuccess(ctx, id); err != nil {
			t.Fatalf("RecordPatternSuccess: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.RecordPatternFailure(ctx, id, 0.5, 5); err != nil {
			t.Fatalf("RecordPatternFailure: %v", err)
		}
	}
	if p := findPattern(t, s, id); !p.IsActive {
		t.Fatal("pattern with 20% failure rate must stay active")
	}
}

func TestMarkPatternInvalid_ExcludesFromActiveSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddPattern(ctx, &Pattern{
		FieldType: "venue", Expression: `broken(`, Priority: 10, Confidence: 0.5, Source: "ai_learned",
	})
	if err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	if err := s.MarkPatternInvalid(ctx, id); err != nil {
		t.Fatalf("MarkPatternInvalid: %v", err)
	}

	active, err := s.ListActivePatterns(ctx)
	if err != nil {
		t.Fatalf("ListActivePatterns: %v", err)
	}
	for _, p := range active {
		if p.ID == id {
			t.Fatal("invalid pattern still listed as active")
		}
	}
	// Still present in the full listing: flagged, never deleted.
	if findPattern(t, s, id) == nil {
		t.Fatal("invalid pattern was deleted")
	}
}

func TestSuggestionLifecycle_ApprovePromotesToPattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sg := &PatternSuggestion{
		FieldType:     "venue",
		Expression:    `(?i)(?:at|@)\s+(Balara\s+Filters\s+Park)`,
		SampleCaption: "see you at Balara Filters Park",
		SampleValue:   "Balara Filters Park",
	}
	if err := s.UpsertSuggestion(ctx, sg); err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	// Proposing the same shape again bumps occurrences instead of duplicating.
	if err := s.UpsertSuggestion(ctx, sg); err != nil {
		t.Fatalf("UpsertSuggestion (repeat): %v", err)
	}

	pending, err := s.ListSuggestions(ctx, "pending")
	if err != nil {
		t.Fatalf("ListSuggestions: %v", err)
	}
	if len(pending) != 1 || pending[0].Occurrences != 2 {
		t.Fatalf("pending = %+v, want one suggestion with 2 occurrences", pending)
	}

	patternID, err := s.ApproveSuggestion(ctx, pending[0].ID, 95, 0.7)
	if err != nil {
		t.Fatalf("ApproveSuggestion: %v", err)
	}
	p := findPattern(t, s, patternID)
	if p == nil {
		t.Fatal("approved suggestion did not create a pattern")
	}
	if p.Source != "ai_learned" || p.Priority != 95 || p.Confidence != 0.7 || !p.IsActive {
		t.Fatalf("promoted pattern = %+v", p)
	}

	// Approval is single-shot.
	if _, err := s.ApproveSuggestion(ctx, pending[0].ID, 95, 0.7); err == nil {
		t.Fatal("expected error approving a decided suggestion")
	}
}

func TestRejectSuggestion_OnlyPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sg := &PatternSuggestion{FieldType: "date", Expression: `\b(soon)\b`}
	if err := s.UpsertSuggestion(ctx, sg); err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	pending, err := s.ListSuggestions(ctx, "pending")
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListSuggestions: %v (%d pending)", err, len(pending))
	}

	if err := s.RejectSuggestion(ctx, pending[0].ID); err != nil {
		t.Fatalf("RejectSuggestion: %v", err)
	}
	if err := s.RejectSuggestion(ctx, pending[0].ID); err == nil {
		t.Fatal("expected error rejecting a decided suggestion")
	}
}

func TestSeededPatterns_CompileUnderGoRegexp(t *testing.T) {
	s := openTestStore(t)

	patterns, err := s.ListActivePatterns(context.Background())
	if err != nil {
		t.Fatalf("ListActivePatterns: %v", err)
	}
	for _, p := range patterns {
		if _, err := regexp.Compile(p.Expression); err != nil {
			t.Errorf("seeded pattern %d (%s) %q does not compile: %v", p.ID, p.FieldType, p.Expression, err)
		}
	}
}

func TestSeededVenuePattern_MatchesHappeningAtShape(t *testing.T) {
	s := openTestStore(t)

	patterns, err := s.ListActivePatterns(context.Background())
	if err != nil {
		t.Fatalf("ListActivePatterns: %v", err)
	}
	var re *regexp.Regexp
	for _, p := range patterns {
		if p.FieldType != "venue" || !strings.Contains(p.Expression, "appening") {
			continue
		}
		re, err = regexp.Compile(p.Expression)
		if err != nil {
			t.Fatalf("happening-at seed %q does not compile: %v", p.Expression, err)
		}
	}
	if re == nil {
		t.Fatal("no happening-at venue seed found")
	}

	tests := []struct {
		caption string
		want    string
	}{
		{"Happening at The Ruins, Poblacion tonight!", "The Ruins"},
		{"Something big happening at Balara Filters Park", "Balara Filters Park"},
	}
	for _, tt := range tests {
		m := re.FindStringSubmatch(tt.caption)
		if m == nil {
			t.Errorf("no match in %q", tt.caption)
			continue
		}
		if got := strings.TrimSpace(m[1]); got != tt.want {
			t.Errorf("captured %q from %q, want %q", got, tt.caption, tt.want)
		}
	}
}

func findPattern(t *testing.T, s *Store, id int64) *Pattern {
	t.Helper()
	patterns, err := s.ListPatterns(context.Background())
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	for _, p := range patterns {
		if p.ID == id {
			return p
		}
	}
	return nil
}
