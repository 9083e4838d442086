package extract

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

// monday is a fixed anchor: Monday, December 1, 2025.
var monday = time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)

func seededMatcher(t *testing.T) *Matcher {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	patterns, err := s.ListActivePatterns(context.Background())
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("expected seeded patterns")
	}
	m, invalid := NewMatcher(patterns)
	if len(invalid) != 0 {
		t.Fatalf("seeded patterns failed to compile: %v", invalid)
	}
	return m
}

func TestExtract_FullCaption(t *testing.T) {
	m := seededMatcher(t)
	caption := "Join us this Friday, Dec 5 at 7PM at The Victor for Live Jazz! Free entry."

	res := m.Extract(caption, monday)

	if res.EventDate != "2025-12-05" {
		t.Errorf("EventDate = %q, want 2025-12-05", res.EventDate)
	}
	if res.StartTime != "19:00" {
		t.Errorf("StartTime = %q, want 19:00", res.StartTime)
	}
	if res.VenueName != "The Victor" {
		t.Errorf("VenueName = %q, want The Victor", res.VenueName)
	}
	if res.Title != "Live Jazz" {
		t.Errorf("Title = %q, want Live Jazz", res.Title)
	}
	if res.IsFree == nil || !*res.IsFree {
		t.Error("expected IsFree = true")
	}
	if res.Method != "regex" {
		t.Errorf("Method = %q, want regex", res.Method)
	}
	if NeedsAIExtraction(res) {
		t.Error("complete extraction should not need AI")
	}
	for _, field := range []string{"date", "time", "venue", "price"} {
		if res.Sources[field] != "regex" {
			t.Errorf("Sources[%s] = %q, want regex", field, res.Sources[field])
		}
		if res.PatternIDs[field] == 0 {
			t.Errorf("PatternIDs[%s] not recorded", field)
		}
	}
}

func TestExtract_Deterministic(t *testing.T) {
	m := seededMatcher(t)
	caption := "Vinyl Night on Dec 12, 8PM at Futur. Entry ₱300."

	first := m.Extract(caption, monday)
	for i := 0; i < 5; i++ {
		got := m.Extract(caption, monday)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("extraction not deterministic:\n got %+v\nwant %+v", got, first)
		}
	}
}

func TestExtract_VenueLabelLineWinsOverAtPhrase(t *testing.T) {
	m := seededMatcher(t)
	caption := "Art fair this weekend!\nVenue: Pineapple Lab\nSee you at The Annex after."

	res := m.Extract(caption, monday)
	if res.VenueName != "Pineapple Lab" {
		t.Fatalf("VenueName = %q, want the labeled venue to win on priority", res.VenueName)
	}
}

func TestDeriveTitle_TruncatesOnRuneBoundary(t *testing.T) {
	// Emoji are multi-byte; cutting the cap mid-rune would leave the title
	// invalid UTF-8.
	caption := "A" + strings.Repeat("\U0001F3B6", 40)

	got := deriveTitle(caption, &Result{})
	if !utf8.ValidString(got) {
		t.Fatalf("title %q is not valid UTF-8", got)
	}
	if len(got) > MessinessThreshold {
		t.Fatalf("title length = %d, want at most %d", len(got), MessinessThreshold)
	}
	if got == "" {
		t.Fatal("truncation emptied the title")
	}
}

func TestNeedsAIExtraction(t *testing.T) {
	long := make([]byte, MessinessThreshold+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		res  *Result
		want bool
	}{
		{"complete", &Result{EventDate: "2025-12-05", StartTime: "19:00", VenueName: "The Victor", Title: "Jazz"}, false},
		{"missing date", &Result{StartTime: "19:00", VenueName: "The Victor"}, true},
		{"missing time", &Result{EventDate: "2025-12-05", VenueName: "The Victor"}, true},
		{"missing venue", &Result{EventDate: "2025-12-05", StartTime: "19:00"}, true},
		{"messy venue", &Result{EventDate: "2025-12-05", StartTime: "19:00", VenueName: string(long)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsAIExtraction(tt.res); got != tt.want {
				t.Fatalf("NeedsAIExtraction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2025-12-20", "2025-12-20", true},
		{"December 20, 2025", "2025-12-20", true},
		{"Dec 5", "2025-12-05", true},
		{"5 Dec", "2025-12-05", true},
		{"12/25", "2025-12-25", true},
		{"12/25/2025", "2025-12-25", true},
		{"this Saturday", "2025-12-06", true},
		{"next Monday", "2025-12-08", true},
		// Year-less dates already past roll into next year.
		{"Jan 5", "2026-01-05", true},
		{"2025-02-30", "", false},
		{"13/40", "", false},
		{"sometime soon", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, _, ok := ParseDate(tt.in, monday)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ParseDate(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		in        string
		wantStart string
		wantEnd   string
		ok        bool
	}{
		{"7PM", "19:00", "", true},
		{"7:30 PM", "19:30", "", true},
		{"12AM", "00:00", "", true},
		{"12PM", "12:00", "", true},
		{"19:00", "19:00", "", true},
		// A bare start hour inherits the end's meridiem.
		{"7-10PM", "19:00", "22:00", true},
		{"7PM to 10PM", "19:00", "22:00", true},
		{"9AM-1PM", "09:00", "13:00", true},
		{"25:00", "", "", false},
		{"13PM", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, ok := ParseTimeRange(tt.in)
			if ok != tt.ok || start != tt.wantStart || end != tt.wantEnd {
				t.Fatalf("ParseTimeRange(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, start, end, ok, tt.wantStart, tt.wantEnd, tt.ok)
			}
		})
	}
}

func TestParsePrice(t *testing.T) {
	free, min, max := ParsePrice("free entry")
	if !free || min != nil {
		t.Fatal("expected free admission")
	}

	free, min, max = ParsePrice("500")
	if free || min == nil || *min != 500 || max != nil {
		t.Fatalf("single price: free=%v min=%v max=%v", free, min, max)
	}

	free, min, max = ParsePrice("300-500")
	if free || min == nil || max == nil || *min != 300 || *max != 500 {
		t.Fatalf("range price: free=%v min=%v max=%v", free, min, max)
	}

	// Inverted ranges are normalized.
	_, min, max = ParsePrice("500-300")
	if *min != 300 || *max != 500 {
		t.Fatalf("inverted range not normalized: min=%v max=%v", *min, *max)
	}
}

func TestNewMatcher_FlagsInvalidPatterns(t *testing.T) {
	patterns := []*store.Pattern{
		{ID: 1, FieldType: "date", Expression: `\b(\d{4}-\d{2}-\d{2})\b`, Priority: 100, Confidence: 0.9},
		{ID: 2, FieldType: "date", Expression: `([unclosed`, Priority: 90, Confidence: 0.8},
	}
	m, invalid := NewMatcher(patterns)
	if len(invalid) != 1 || invalid[0] != 2 {
		t.Fatalf("invalid = %v, want [2]", invalid)
	}
	res := m.Extract("See you 2025-12-20!", monday)
	if res.EventDate != "2025-12-20" {
		t.Fatalf("valid pattern should still match, got %q", res.EventDate)
	}
}
