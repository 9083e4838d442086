// Package trainer closes the learning loop: whenever an AI extraction is
// accepted with high confidence, it replays the regex matcher over the same
// caption and records per-field agreement as ground truth. Patterns that
// keep agreeing with the AI gain confidence; patterns that keep conflicting
// accumulate failures until the store deactivates them. Fields the regex
// layer missed entirely become pattern suggestions for operator review.
package trainer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/extract"
	"github.com/kalendaryo/kalendaryo/internal/store"
)

// MinAIConfidence gates training. AI results below this are not trusted
// enough to serve as ground truth.
const MinAIConfidence = 0.7

// Pattern health thresholds passed through to the store's conditional
// deactivation.
const (
	MaxFailureRate = 0.5
	MinSamples     = 5
)

// Agreement values stored per field.
const (
	AgreementRegex    = "regex"
	AgreementAI       = "ai"
	AgreementBoth     = "both"
	AgreementConflict = "conflict"
)

// Trainer compares regex output against accepted AI output and persists
// what it learns.
type Trainer struct {
	store *store.Store
}

func New(s *store.Store) *Trainer {
	return &Trainer{store: s}
}

// fieldPair is one comparable field across both extraction paths.
type fieldPair struct {
	field string
	regex string
	ai    string
}

// Train records ground truth for one post whose AI extraction was accepted.
// regexRes is the matcher's original output for the same caption; ai is the
// accepted AI result. A nil regexRes replays the matcher fresh. Returns the
// number of fields recorded.
func (t *Trainer) Train(ctx context.Context, postID int64, caption string, postedAt time.Time, regexRes *extract.Result, ai *extract.AIResult) (int, error) {
	if ai == nil || ai.Confidence < MinAIConfidence {
		return 0, nil
	}
	if regexRes == nil {
		patterns, err := t.store.ListActivePatterns(ctx)
		if err != nil {
			return 0, fmt.Errorf("list patterns: %w", err)
		}
		matcher, invalid := extract.NewMatcher(patterns)
		for _, id := range invalid {
			if err := t.store.MarkPatternInvalid(ctx, id); err != nil {
				return 0, fmt.Errorf("mark pattern invalid: %w", err)
			}
		}
		regexRes = matcher.Extract(caption, postedAt)
	}

	recorded := 0
	for _, p := range comparableFields(regexRes, ai) {
		agreement := classify(p.regex, p.ai)
		if agreement == "" {
			continue
		}
		rec := &store.GroundTruthRecord{
			PostID:     postID,
			Field:      p.field,
			RegexValue: p.regex,
			AIValue:    p.ai,
			Agreement:  agreement,
		}
		if id, ok := regexRes.PatternIDs[p.field]; ok {
			patternID := id
			rec.PatternID = &patternID
		}
		if _, err := t.store.AddGroundTruth(ctx, rec); err != nil {
			return recorded, fmt.Errorf("add ground truth: %w", err)
		}
		recorded++

		if rec.PatternID != nil {
			switch agreement {
			case AgreementBoth:
				if err := t.store.RecordPatternSuccess(ctx, *rec.PatternID); err != nil {
					return recorded, fmt.Errorf("record pattern success: %w", err)
				}
			case AgreementConflict:
				if err := t.store.RecordPatternFailure(ctx, *rec.PatternID, MaxFailureRate, MinSamples); err != nil {
					return recorded, fmt.Errorf("record pattern failure: %w", err)
				}
			}
		}

		// The AI found something the regex layer missed: propose a pattern.
		if agreement == AgreementAI {
			if err := t.suggest(ctx, p.field, p.ai, caption); err != nil {
				return recorded, fmt.Errorf("suggest pattern: %w", err)
			}
		}
	}
	return recorded, nil
}

func comparableFields(regexRes *extract.Result, ai *extract.AIResult) []fieldPair {
	var rDate, rTime, rVenue, rURL string
	if regexRes != nil {
		rDate = regexRes.EventDate
		rTime = regexRes.StartTime
		rVenue = regexRes.VenueName
		rURL = regexRes.SignupURL
	}
	return []fieldPair{
		{field: "date", regex: rDate, ai: ai.EventDate},
		{field: "time", regex: rTime, ai: ai.StartTime},
		{field: "venue", regex: rVenue, ai: ai.VenueName},
		{field: "url", regex: rURL, ai: ai.SignupURL},
	}
}

// classify maps a (regex, ai) value pair to an agreement label. Both
// empty is not worth recording.
func classify(regexVal, aiVal string) string {
	rEmpty := strings.TrimSpace(regexVal) == ""
	aEmpty := strings.TrimSpace(aiVal) == ""
	switch {
	case rEmpty && aEmpty:
		return ""
	case aEmpty:
		return AgreementRegex
	case rEmpty:
		return AgreementAI
	case valuesAgree(regexVal, aiVal):
		return AgreementBoth
	default:
		return AgreementConflict
	}
}

// valuesAgree compares loosely: case-insensitive, trimmed, and for venue
// style values one value containing the other counts.
func valuesAgree(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// suggest proposes a candidate expression derived from the AI value's
// occurrence in the caption. Recurring identical proposals accumulate an
// occurrence count in the store rather than duplicating rows.
func (t *Trainer) suggest(ctx context.Context, field, aiValue, caption string) error {
	expr := proposeExpression(field, aiValue, caption)
	if expr == "" {
		return nil
	}
	return t.store.UpsertSuggestion(ctx, &store.PatternSuggestion{
		FieldType:     field,
		Expression:    expr,
		SampleCaption: sampleAround(caption, aiValue),
		SampleValue:   strings.TrimSpace(aiValue),
	})
}

// proposeExpression builds a generalized regex from the literal AI value:
// digits become \d runs, whitespace becomes \s+, the rest is escaped.
// Values absent from the caption (the AI inferred them from an image or
// context) produce no proposal.
func proposeExpression(field, aiValue, caption string) string {
	aiValue = strings.TrimSpace(aiValue)
	if aiValue == "" {
		return ""
	}
	idx := indexFold(caption, aiValue)
	if idx < 0 {
		return ""
	}
	literal := caption[idx : idx+len(aiValue)]

	var b strings.Builder
	if field == "venue" {
		b.WriteString(`(?i)(?:at|@)\s+(`)
	} else {
		b.WriteString(`(`)
	}
	i := 0
	for i < len(literal) {
		c := literal[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteString(`\d+`)
			for i < len(literal) && literal[i] >= '0' && literal[i] <= '9' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\n':
			b.WriteString(`\s+`)
			for i < len(literal) && (literal[i] == ' ' || literal[i] == '\t' || literal[i] == '\n') {
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString(`)`)
	expr := b.String()
	if _, err := regexp.Compile(expr); err != nil {
		return ""
	}
	return expr
}

func indexFold(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

// sampleAround keeps a window of caption context around the value so a
// reviewer can judge the proposal without the full post.
func sampleAround(caption, value string) string {
	const window = 80
	idx := indexFold(caption, value)
	if idx < 0 {
		if len(caption) > 2*window {
			return caption[:2*window]
		}
		return caption
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(value) + window
	if end > len(caption) {
		end = len(caption)
	}
	return caption[start:end]
}
