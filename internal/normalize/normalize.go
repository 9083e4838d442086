// Package normalize provides caption cleanup and the ingest pre-filter.
//
// Everything here is a pure function of its inputs: no I/O, no clock reads.
// The pre-filter hard-rejects vendor/merchant posts, recurring operating
// schedules, and historical posts before the rest of the pipeline spends
// any external calls on them.
package normalize

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Classification is the pre-filter verdict for one caption.
type Classification struct {
	Reject bool
	Reason string // vendor, recurring, historical; empty when not rejected
}

// PrefilterConfig tunes the pre-filter thresholds.
type PrefilterConfig struct {
	// MaxPostAgeDays rejects posts older than this whose event date has
	// already passed. Kept configurable rather than assuming the historical
	// default is optimal.
	MaxPostAgeDays int
}

// DefaultPrefilterConfig returns the standard thresholds.
func DefaultPrefilterConfig() PrefilterConfig {
	return PrefilterConfig{MaxPostAgeDays: 45}
}

var (
	// OCR and platform artifacts: curly quotes, exotic dashes, zero-widths.
	quoteReplacer = strings.NewReplacer(
		"‘", "'", "’", "'", "“", `"`, "”", `"`,
		"–", "-", "—", "-", "―", "-",
		" ", " ",
	)

	zeroWidthRE  = regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{FEFF}]`)
	multiSpaceRE = regexp.MustCompile(`[ \t]+`)
	multiLineRE  = regexp.MustCompile(`\n{3,}`)

	vendorRE = regexp.MustCompile(`(?i)\b(shop\s+now|order\s+now|dm\s+(?:us\s+)?to\s+order|promo\s+code|free\s+shipping|add\s+to\s+cart|mine\s+to\s+order|cod\s+available|resell(?:er)?s?\s+welcome|wholesale|per\s+piece|sold\s+per)\b`)

	// Operating-hours / recurring-schedule shapes: "open daily", "every
	// Monday to Friday 9AM-6PM", "store hours".
	recurringRE = regexp.MustCompile(`(?i)\b(open\s+daily|open\s+(?:mon|tue|wed|thu|fri|sat|sun)|store\s+hours|business\s+hours|operating\s+hours|every\s+(?:mon|tues|wednes|thurs|fri|satur|sun)day|daily\s+from\s+\d)`)

	eventKeywordRE = regexp.MustCompile(`(?i)\b(event|gig|show|concert|party|launch|workshop|exhibit|fair|market|fest(?:ival)?|night|live|dj|open\s+mic|screening|meetup|tournament)\b`)
)

// Caption unifies quotes and dashes, strips zero-width runes, and collapses
// runaway whitespace. Line structure is preserved for line-anchored patterns.
func Caption(raw string) string {
	s := quoteReplacer.Replace(raw)
	s = zeroWidthRE.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiSpaceRE.ReplaceAllString(s, " ")
	s = multiLineRE.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Prefilter classifies a normalized caption. A rejected classification
// terminates the pipeline early: the post is persisted with isEvent=false
// and the stated reason, and never reaches review.
func Prefilter(caption string, postedAt time.Time, eventDate *time.Time, now time.Time, cfg PrefilterConfig) Classification {
	if cfg.MaxPostAgeDays <= 0 {
		cfg.MaxPostAgeDays = DefaultPrefilterConfig().MaxPostAgeDays
	}

	if IsVendorPost(caption) {
		return Classification{Reject: true, Reason: "vendor"}
	}
	if IsRecurringSchedule(caption) {
		return Classification{Reject: true, Reason: "recurring"}
	}
	if isHistorical(postedAt, eventDate, now, cfg.MaxPostAgeDays) {
		return Classification{Reject: true, Reason: "historical"}
	}
	return Classification{}
}

// IsVendorPost applies the strict merchant heuristic: at least one hard
// selling phrase, and either a second selling phrase or no event keyword at
// all. A caption that both sells and announces an event stays in the
// pipeline for review rather than being silently dropped.
func IsVendorPost(caption string) bool {
	matches := vendorRE.FindAllString(caption, -1)
	if len(matches) == 0 {
		return false
	}
	if len(matches) >= 2 {
		return true
	}
	return !eventKeywordRE.MatchString(caption)
}

// IsRecurringSchedule reports operating-hours style posts.
func IsRecurringSchedule(caption string) bool {
	return recurringRE.MatchString(caption)
}

// isHistorical rejects posts whose event is already over: either the event
// date precedes the post date (a recap post), or the post is older than the
// configured age cap and its event date is in the past.
func isHistorical(postedAt time.Time, eventDate *time.Time, now time.Time, maxAgeDays int) bool {
	if eventDate == nil {
		return false
	}
	if eventDate.Before(truncateDay(postedAt)) {
		return true
	}
	age := now.Sub(postedAt)
	if age > time.Duration(maxAgeDays)*24*time.Hour && eventDate.Before(truncateDay(now)) {
		return true
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
