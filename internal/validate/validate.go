// Package validate sanity-checks extracted event fields, assigns the
// review tier that routes a post to auto-publication or human review, and
// scores completeness for duplicate comparisons.
//
// Validation never raises errors: implausible values are corrected or
// cleared and the reason lands in the named warning list that the review
// surface shows verbatim.
package validate

import (
	"fmt"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/extract"
)

// Warning names surfaced on the review queue.
const (
	WarnTimeRangeInverted = "time_range_inverted"
	WarnNegativePrice     = "negative_price"
	WarnPriceRangeFlipped = "price_range_flipped"
	WarnDateImplausible   = "date_implausible"
	WarnDateFarFuture     = "date_far_future"
	WarnUnknownCategory   = "unknown_category"
	WarnTitleMissing      = "title_missing"
)

// knownCategories is the plausibility set for the category field.
var knownCategories = map[string]struct{}{
	"music": {}, "nightlife": {}, "arts": {}, "food": {}, "market": {},
	"sports": {}, "fitness": {}, "community": {}, "workshop": {}, "film": {},
	"comedy": {}, "theater": {}, "family": {}, "tech": {},
}

// maxFutureDays bounds how far out an event date is believed.
const maxFutureDays = 730

// ExtractedData applies field-level sanity rules to an extraction result,
// returning a corrected copy plus named warnings. The input is never
// mutated and nothing here returns an error.
func ExtractedData(res *extract.Result, now time.Time) (*extract.Result, []string) {
	out := *res
	var warnings []string

	// Time range: an end before the start is inverted, not a multi-day hint.
	if out.StartTime != "" && out.EndTime != "" && out.EndTime < out.StartTime && out.EventEndDate == "" {
		// Events crossing midnight are normal nightlife; only flag when the
		// end lands in plausible same-evening hours is impossible.
		if out.EndTime > "06:00" {
			warnings = append(warnings, WarnTimeRangeInverted)
			out.StartTime, out.EndTime = out.EndTime, out.StartTime
		}
	}

	if out.PriceMin != nil && *out.PriceMin < 0 {
		warnings = append(warnings, WarnNegativePrice)
		out.PriceMin = nil
		out.PriceMax = nil
	}
	if out.PriceMin != nil && out.PriceMax != nil && *out.PriceMax < *out.PriceMin {
		warnings = append(warnings, WarnPriceRangeFlipped)
		out.PriceMin, out.PriceMax = out.PriceMax, out.PriceMin
	}

	if out.EventDate != "" {
		if d, err := time.Parse("2006-01-02", out.EventDate); err != nil {
			warnings = append(warnings, WarnDateImplausible)
			out.EventDate = ""
		} else {
			daysOut := int(d.Sub(now) / (24 * time.Hour))
			if daysOut > maxFutureDays {
				warnings = append(warnings, WarnDateFarFuture)
			}
		}
	}

	if out.Category != "" {
		if _, ok := knownCategories[out.Category]; !ok {
			warnings = append(warnings, WarnUnknownCategory)
			out.Category = ""
		}
	}

	if out.Title == "" {
		warnings = append(warnings, WarnTitleMissing)
	}

	return &out, warnings
}

// Tier is the confidence-based routing classification.
type Tier string

const (
	TierReady    Tier = "ready"    // auto-publish candidate
	TierQuick    Tier = "quick"    // light-touch human check
	TierFull     Tier = "full"     // full manual review
	TierRejected Tier = "rejected" // not publishable
)

// Tier thresholds. ReviewTier is monotonic in confidence: raising
// confidence while holding everything else fixed never lowers the tier.
const (
	readyConfidence    = 0.85
	quickConfidence    = 0.6
	rejectedConfidence = 0.3
	maxWarningsAllowed = 3
)

// ReviewTier computes the single routing tier for a post. "ready" demands
// high confidence, every critical field, and coordinates; a geocode-less
// but otherwise complete record demotes to "quick", matching the rule that
// geocode failure is non-fatal but not auto-publishable.
func ReviewTier(confidence float64, warningCount int, hasDate, hasTime, hasVenue, hasCoords, isKnownVenue bool) Tier {
	if confidence < rejectedConfidence || warningCount > maxWarningsAllowed {
		return TierRejected
	}

	critical := hasDate && hasTime && hasVenue

	if confidence >= readyConfidence && critical && hasCoords && warningCount == 0 {
		return TierReady
	}

	if confidence >= quickConfidence && hasDate && hasVenue && warningCount <= 1 {
		return TierQuick
	}
	// A known venue vouches for an otherwise borderline record.
	if confidence >= quickConfidence && isKnownVenue && hasDate && warningCount <= 1 {
		return TierQuick
	}

	return TierFull
}

// Urgency bands days-until-event into a queue-ordering score. It never
// affects the tier itself.
func Urgency(eventDate string, now time.Time) int {
	if eventDate == "" {
		return 10
	}
	d, err := time.Parse("2006-01-02", eventDate)
	if err != nil {
		return 10
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(d.Sub(today) / (24 * time.Hour))

	switch {
	case days < 0:
		return 0
	case days == 0:
		return 100
	case days == 1:
		return 90
	case days <= 3:
		return 75
	case days <= 7:
		return 60
	case days <= 14:
		return 40
	case days <= 30:
		return 25
	default:
		return 10
	}
}

// fieldWeights drive the completeness score: weighted coverage of the
// fields a publishable event needs.
var fieldWeights = struct {
	title, date, timeOfDay, venueName, price, coords float64
}{
	title: 0.2, date: 0.25, timeOfDay: 0.15, venueName: 0.2, price: 0.1, coords: 0.1,
}

// CompletenessInput is the field coverage of one record.
type CompletenessInput struct {
	HasTitle  bool
	HasDate   bool
	HasTime   bool
	HasVenue  bool
	HasPrice  bool
	HasCoords bool
}

// Completeness scores weighted field coverage in [0,1].
func Completeness(in CompletenessInput) float64 {
	score := 0.0
	if in.HasTitle {
		score += fieldWeights.title
	}
	if in.HasDate {
		score += fieldWeights.date
	}
	if in.HasTime {
		score += fieldWeights.timeOfDay
	}
	if in.HasVenue {
		score += fieldWeights.venueName
	}
	if in.HasPrice {
		score += fieldWeights.price
	}
	if in.HasCoords {
		score += fieldWeights.coords
	}
	return score
}

// swapMargin is how much richer an incoming record must be before it
// displaces a stored primary; equal-completeness records never churn roles.
const swapMargin = 0.1

// DuplicateDecision is the outcome of comparing an incoming record against
// an existing candidate.
type DuplicateDecision struct {
	IsDuplicate bool
	ShouldSwap  bool // incoming should become the group primary
}

// CheckForDuplicate compares completeness between an incoming and an
// existing record that already matched on venue/date/title-similarity.
func CheckForDuplicate(incoming, existing CompletenessInput, titleSimilarity, similarityThreshold float64) DuplicateDecision {
	if titleSimilarity < similarityThreshold {
		return DuplicateDecision{}
	}
	d := DuplicateDecision{IsDuplicate: true}
	if Completeness(incoming) >= Completeness(existing)+swapMargin {
		d.ShouldSwap = true
	}
	return d
}

// WarningSummary formats warnings for log payloads.
func WarningSummary(warnings []string) string {
	if len(warnings) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d: %v", len(warnings), warnings)
}
