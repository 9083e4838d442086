package extract

import (
	"regexp"
	"strings"
)

// AI merge policy thresholds.
const (
	// AIPrimaryThreshold is the confidence at which the AI result replaces
	// the regex result instead of being stored as reference.
	AIPrimaryThreshold = 0.6

	// AIForceReviewThreshold force-flags any AI-primary result below it for
	// human review regardless of tier logic.
	AIForceReviewThreshold = 0.8

	// shortCaptionChars marks a caption too thin to extract from text alone.
	shortCaptionChars = 50

	// minTextRatio is the minimum share of non-emoji, non-hashtag text for
	// text-only extraction to be worth attempting.
	minTextRatio = 0.4
)

var hashtagRE = regexp.MustCompile(`#\S+|@\S+`)

// ShouldExtractFromImage decides between text-only and image-based AI
// extraction: image-based when the caption is short, carries no event
// keywords, or is mostly emoji and hashtags.
func ShouldExtractFromImage(caption string, hasImage bool) bool {
	if !hasImage {
		return false
	}

	stripped := strings.TrimSpace(hashtagRE.ReplaceAllString(caption, ""))
	if len(stripped) < shortCaptionChars {
		return true
	}
	if !eventKeywordsPresent(caption) {
		return true
	}
	return textRatio(caption) < minTextRatio
}

var mergeEventKeywordRE = regexp.MustCompile(`(?i)\b(event|gig|show|concert|party|launch|workshop|exhibit|fair|market|fest(?:ival)?|live|tickets?|rsvp|doors)\b`)

func eventKeywordsPresent(caption string) bool {
	return mergeEventKeywordRE.MatchString(caption)
}

// textRatio is the share of letters/digits/spaces after removing hashtags
// and mentions; emoji runs drag it down.
func textRatio(caption string) float64 {
	stripped := hashtagRE.ReplaceAllString(caption, "")
	runes := []rune(stripped)
	if len(runes) == 0 {
		return 0
	}
	textual := 0
	for _, r := range runes {
		if r < 0x2600 { // plain text, punctuation, latin
			textual++
		}
	}
	return float64(textual) / float64(len(runes))
}

// MergeAI applies the merge policy to a regex result and an AI result.
//
// AI becomes primary at confidence ≥ 0.6: method "ai", "ai_corrected" when
// the regex tier had partial data, or "ocr_ai" for image-based extraction.
// Below the threshold the regex result stands and the AI output is kept as
// reference only. An AI-primary result under 0.8 confidence is force-flagged
// for review. The inputs are not mutated; a new Result supersedes them.
func MergeAI(regexRes *Result, ai *AIResult, imageBased bool) (*Result, bool) {
	if ai == nil {
		return regexRes, false
	}

	if ai.Confidence < AIPrimaryThreshold {
		out := cloneResult(regexRes)
		out.AIReference = ai
		return out, false
	}

	out := &Result{
		Sources:    map[string]string{},
		PatternIDs: map[string]int64{},
		Confidence: ai.Confidence,
	}

	switch {
	case imageBased:
		out.Method = "ocr_ai"
	case regexHadPartialData(regexRes):
		out.Method = "ai_corrected"
	default:
		out.Method = "ai"
	}

	mergeField(out, regexRes, "title", regexRes.Title, ai.Title, func(v string) { out.Title = v })
	mergeField(out, regexRes, "date", regexRes.EventDate, ai.EventDate, func(v string) { out.EventDate = v })
	mergeField(out, regexRes, "end_date", regexRes.EventEndDate, ai.EventEndDate, func(v string) { out.EventEndDate = v })
	mergeField(out, regexRes, "time", regexRes.StartTime, ai.StartTime, func(v string) { out.StartTime = v })
	mergeField(out, regexRes, "end_time", regexRes.EndTime, ai.EndTime, func(v string) { out.EndTime = v })
	mergeField(out, regexRes, "venue", regexRes.VenueName, ai.VenueName, func(v string) { out.VenueName = v })
	mergeField(out, regexRes, "address", regexRes.VenueAddress, ai.VenueAddress, func(v string) { out.VenueAddress = v })
	mergeField(out, regexRes, "url", regexRes.SignupURL, ai.SignupURL, func(v string) { out.SignupURL = v })
	mergeField(out, regexRes, "category", regexRes.Category, ai.Category, func(v string) { out.Category = v })

	// Price: the AI value wins when present, regex otherwise.
	if ai.IsFree != nil || ai.PriceMin != nil {
		out.IsFree = ai.IsFree
		out.PriceMin = ai.PriceMin
		out.PriceMax = ai.PriceMax
		out.Sources["price"] = "ai"
		if regexRes.Sources["price"] == "regex" {
			out.Sources["price"] = "both"
		}
	} else if regexRes.Sources["price"] != "" {
		out.IsFree = regexRes.IsFree
		out.PriceMin = regexRes.PriceMin
		out.PriceMax = regexRes.PriceMax
		out.Sources["price"] = "regex"
		out.PatternIDs["price"] = regexRes.PatternIDs["price"]
	}

	forceReview := ai.Confidence < AIForceReviewThreshold
	return out, forceReview
}

// mergeField records the winning value and its source attribution for one
// field, noting conflicts when the tiers disagree.
func mergeField(out, regexRes *Result, field, regexVal, aiVal string, set func(string)) {
	switch {
	case aiVal == "" && regexVal == "":
		return
	case aiVal == "":
		set(regexVal)
		out.Sources[field] = "regex"
		if id, ok := regexRes.PatternIDs[field]; ok {
			out.PatternIDs[field] = id
		}
	case regexVal == "":
		set(aiVal)
		out.Sources[field] = "ai"
	case strings.EqualFold(strings.TrimSpace(regexVal), strings.TrimSpace(aiVal)):
		set(aiVal)
		out.Sources[field] = "both"
		if id, ok := regexRes.PatternIDs[field]; ok {
			out.PatternIDs[field] = id
		}
	default:
		// AI is primary here; the regex value loses but the disagreement
		// is recorded for the trainer.
		set(aiVal)
		out.Sources[field] = "ai"
		out.Conflicts = append(out.Conflicts, field)
	}
}

func regexHadPartialData(res *Result) bool {
	if res == nil {
		return false
	}
	return res.EventDate != "" || res.StartTime != "" || res.VenueName != "" || res.Title != ""
}

func cloneResult(res *Result) *Result {
	out := *res
	out.Sources = map[string]string{}
	for k, v := range res.Sources {
		out.Sources[k] = v
	}
	out.PatternIDs = map[string]int64{}
	for k, v := range res.PatternIDs {
		out.PatternIDs[k] = v
	}
	out.Conflicts = append([]string(nil), res.Conflicts...)
	return &out
}
