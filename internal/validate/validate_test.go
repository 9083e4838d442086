package validate

import (
	"testing"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/extract"
)

var now = time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)

func fptr(f float64) *float64 { return &f }

func TestExtractedData_CorrectsWithoutMutatingInput(t *testing.T) {
	in := &extract.Result{
		Title:     "Live Jazz",
		EventDate: "2025-12-05",
		StartTime: "22:00",
		EndTime:   "19:00",
		PriceMin:  fptr(500),
		PriceMax:  fptr(300),
		Category:  "vibes",
	}

	out, warnings := ExtractedData(in, now)

	if out.StartTime != "19:00" || out.EndTime != "22:00" {
		t.Errorf("inverted time range not corrected: %s-%s", out.StartTime, out.EndTime)
	}
	if *out.PriceMin != 300 || *out.PriceMax != 500 {
		t.Errorf("flipped price range not corrected: %v-%v", *out.PriceMin, *out.PriceMax)
	}
	if out.Category != "" {
		t.Errorf("unknown category kept: %q", out.Category)
	}

	wantWarnings := map[string]bool{
		WarnTimeRangeInverted: true,
		WarnPriceRangeFlipped: true,
		WarnUnknownCategory:   true,
	}
	if len(warnings) != len(wantWarnings) {
		t.Fatalf("warnings = %v", warnings)
	}
	for _, w := range warnings {
		if !wantWarnings[w] {
			t.Fatalf("unexpected warning %q in %v", w, warnings)
		}
	}

	// Input untouched.
	if in.StartTime != "22:00" || *in.PriceMin != 500 || in.Category != "vibes" {
		t.Fatal("input result was mutated")
	}
}

func TestExtractedData_MidnightCrossingNotFlagged(t *testing.T) {
	in := &extract.Result{Title: "Club Night", StartTime: "22:00", EndTime: "02:00"}
	out, warnings := ExtractedData(in, now)
	if len(warnings) != 0 {
		t.Fatalf("midnight-crossing range flagged: %v", warnings)
	}
	if out.StartTime != "22:00" || out.EndTime != "02:00" {
		t.Fatal("midnight-crossing range rewritten")
	}
}

func TestExtractedData_NegativePriceCleared(t *testing.T) {
	in := &extract.Result{Title: "x", PriceMin: fptr(-50)}
	out, warnings := ExtractedData(in, now)
	if out.PriceMin != nil {
		t.Fatal("negative price kept")
	}
	if len(warnings) != 1 || warnings[0] != WarnNegativePrice {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestReviewTier(t *testing.T) {
	tests := []struct {
		name                                              string
		confidence                                        float64
		warnings                                          int
		hasDate, hasTime, hasVenue, hasCoords, knownVenue bool
		want                                              Tier
	}{
		{"complete high confidence", 0.9, 0, true, true, true, true, true, TierReady},
		{"high confidence without coords demotes", 0.9, 0, true, true, true, false, true, TierQuick},
		{"high confidence with a warning demotes", 0.9, 1, true, true, true, true, true, TierQuick},
		{"mid confidence", 0.7, 0, true, true, true, true, false, TierQuick},
		{"mid confidence missing venue unknown", 0.7, 0, true, false, false, false, false, TierFull},
		{"known venue vouches", 0.7, 0, true, false, false, false, true, TierQuick},
		{"low confidence", 0.2, 0, true, true, true, true, true, TierRejected},
		{"too many warnings", 0.9, 4, true, true, true, true, true, TierRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReviewTier(tt.confidence, tt.warnings, tt.hasDate, tt.hasTime, tt.hasVenue, tt.hasCoords, tt.knownVenue)
			if got != tt.want {
				t.Fatalf("ReviewTier() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Raising confidence with all else fixed must never lower the tier.
func TestReviewTier_MonotonicInConfidence(t *testing.T) {
	rank := map[Tier]int{TierRejected: 0, TierFull: 1, TierQuick: 2, TierReady: 3}

	combos := []struct {
		warnings                                          int
		hasDate, hasTime, hasVenue, hasCoords, knownVenue bool
	}{
		{0, true, true, true, true, true},
		{0, true, true, true, false, false},
		{1, true, false, true, false, true},
		{2, false, false, false, false, false},
	}
	for _, c := range combos {
		prev := -1
		for conf := 0.0; conf <= 1.0; conf += 0.05 {
			tier := ReviewTier(conf, c.warnings, c.hasDate, c.hasTime, c.hasVenue, c.hasCoords, c.knownVenue)
			if rank[tier] < prev {
				t.Fatalf("tier dropped to %s at confidence %.2f with %+v", tier, conf, c)
			}
			prev = rank[tier]
		}
	}
}

func TestUrgency(t *testing.T) {
	day := func(offset int) string {
		return now.AddDate(0, 0, offset).Format("2006-01-02")
	}
	tests := []struct {
		date string
		want int
	}{
		{day(0), 100},
		{day(1), 90},
		{day(3), 75},
		{day(7), 60},
		{day(14), 40},
		{day(30), 25},
		{day(90), 10},
		{day(-1), 0},
		{"", 10},
		{"garbage", 10},
	}
	for _, tt := range tests {
		if got := Urgency(tt.date, now); got != tt.want {
			t.Errorf("Urgency(%q) = %d, want %d", tt.date, got, tt.want)
		}
	}
}

func TestCheckForDuplicate(t *testing.T) {
	full := CompletenessInput{HasTitle: true, HasDate: true, HasTime: true, HasVenue: true, HasPrice: true, HasCoords: true}
	sparse := CompletenessInput{HasDate: true, HasVenue: true}

	if d := CheckForDuplicate(full, sparse, 0.2, 0.3); d.IsDuplicate {
		t.Fatal("below-threshold similarity must not mark a duplicate")
	}

	d := CheckForDuplicate(full, sparse, 0.6, 0.3)
	if !d.IsDuplicate || !d.ShouldSwap {
		t.Fatalf("richer incoming should swap: %+v", d)
	}

	d = CheckForDuplicate(sparse, full, 0.6, 0.3)
	if !d.IsDuplicate || d.ShouldSwap {
		t.Fatalf("sparser incoming must not swap: %+v", d)
	}

	// Equal completeness stays put: no churn.
	d = CheckForDuplicate(full, full, 0.6, 0.3)
	if !d.IsDuplicate || d.ShouldSwap {
		t.Fatalf("equal completeness must not swap: %+v", d)
	}
}
