// Package extract turns normalized captions into structured event fields.
//
// Extraction runs in two tiers:
//   - Tier 1: the mutable regex pattern store, applied per field type in
//     priority order. Deterministic and side-effect-free.
//   - Tier 2: the external AI collaborator, invoked only when the regex
//     result is incomplete or messy, then merged under a confidence policy.
//
// Every extracted field records which pattern produced it so the trainer
// can later score pattern health against accepted AI output.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

// MessinessThreshold caps venue/title length. Values beyond this are almost
// always caption prose swallowed by a greedy pattern, not real names.
const MessinessThreshold = 100

// Result is one extraction attempt over a caption. Results are superseded,
// never mutated in place.
type Result struct {
	Title        string
	EventDate    string // YYYY-MM-DD
	EventEndDate string
	StartTime    string // HH:MM, 24h
	EndTime      string
	VenueName    string
	VenueAddress string
	PriceMin     *float64
	PriceMax     *float64
	IsFree       *bool
	SignupURL    string
	Category     string

	Confidence float64
	Method     string            // regex, ai, ai_corrected, ocr_ai
	Sources    map[string]string // field -> regex|ai|both
	Conflicts  []string

	// PatternIDs records which store pattern matched each field.
	PatternIDs map[string]int64

	// AIReference holds a low-confidence AI result kept for reference only.
	AIReference *AIResult
}

// compiledPattern pairs a store pattern with its compiled expression.
type compiledPattern struct {
	id         int64
	fieldType  string
	re         *regexp.Regexp
	priority   int
	confidence float64
}

// Matcher applies the active pattern set to captions. Build one per run;
// the pattern store is mutable between runs, not within one.
type Matcher struct {
	byField map[string][]*compiledPattern
}

// NewMatcher compiles active patterns, grouped per field type in descending
// (priority, confidence) order. Patterns that fail to compile are returned
// in invalid so the caller can flag them in the store; they are excluded
// from matching, never deleted.
func NewMatcher(patterns []*store.Pattern) (*Matcher, []int64) {
	m := &Matcher{byField: map[string][]*compiledPattern{}}
	var invalid []int64

	for _, p := range patterns {
		re, err := regexp.Compile(p.Expression)
		if err != nil {
			invalid = append(invalid, p.ID)
			continue
		}
		m.byField[p.FieldType] = append(m.byField[p.FieldType], &compiledPattern{
			id:         p.ID,
			fieldType:  p.FieldType,
			re:         re,
			priority:   p.Priority,
			confidence: p.Confidence,
		})
	}

	// Input order already descends by (priority, confidence) per field from
	// ListActivePatterns; first match wins within each type.
	return m, invalid
}

// fieldMatch is one pattern hit: the captured value and the pattern behind it.
type fieldMatch struct {
	value      string
	patternID  int64
	confidence float64
}

// matchField tries the field's patterns in order and returns the first hit.
func (m *Matcher) matchField(fieldType, caption string) *fieldMatch {
	for _, p := range m.byField[fieldType] {
		sub := p.re.FindStringSubmatch(caption)
		if sub == nil {
			continue
		}
		value := sub[0]
		if len(sub) > 1 && sub[1] != "" {
			value = sub[1]
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		return &fieldMatch{value: value, patternID: p.id, confidence: p.confidence}
	}
	return nil
}

// Extract runs Tier 1 over a normalized caption. postedAt anchors relative
// and year-less dates.
func (m *Matcher) Extract(caption string, postedAt time.Time) *Result {
	res := &Result{
		Method:     "regex",
		Sources:    map[string]string{},
		PatternIDs: map[string]int64{},
	}

	var confidences []float64
	record := func(field string, fm *fieldMatch) {
		res.Sources[field] = "regex"
		res.PatternIDs[field] = fm.patternID
		confidences = append(confidences, fm.confidence)
	}

	if fm := m.matchField("date", caption); fm != nil {
		if date, end, ok := ParseDate(fm.value, postedAt); ok {
			res.EventDate = date
			res.EventEndDate = end
			record("date", fm)
		}
	}

	if fm := m.matchField("time", caption); fm != nil {
		if start, end, ok := ParseTimeRange(fm.value); ok {
			res.StartTime = start
			res.EndTime = end
			record("time", fm)
		}
	}

	if fm := m.matchField("venue", caption); fm != nil {
		res.VenueName = cleanVenueName(fm.value)
		record("venue", fm)
	}

	if fm := m.matchField("price", caption); fm != nil {
		free, min, max := ParsePrice(fm.value)
		if free {
			t := true
			res.IsFree = &t
		} else if min != nil {
			f := false
			res.IsFree = &f
			res.PriceMin = min
			res.PriceMax = max
		}
		record("price", fm)
	}

	if fm := m.matchField("url", caption); fm != nil {
		res.SignupURL = strings.TrimRight(fm.value, ".,;)")
		record("url", fm)
	}

	res.Title = deriveTitle(caption, res)
	if res.Title != "" {
		res.Sources["title"] = "regex"
	}

	res.Confidence = aggregateConfidence(confidences, res)
	return res
}

// NeedsAIExtraction reports whether the regex result is incomplete or messy
// enough to warrant the AI fallback: any critical field (date/time/venue)
// missing, or a venue/title longer than the messiness threshold.
func NeedsAIExtraction(res *Result) bool {
	if res.EventDate == "" || res.StartTime == "" || res.VenueName == "" {
		return true
	}
	if len(res.VenueName) > MessinessThreshold || len(res.Title) > MessinessThreshold {
		return true
	}
	return false
}

// aggregateConfidence averages matched-pattern confidences, discounted for
// missing critical fields so partial extractions rank below complete ones.
func aggregateConfidence(confs []float64, res *Result) float64 {
	if len(confs) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confs {
		sum += c
	}
	conf := sum / float64(len(confs))

	for _, missing := range []bool{res.EventDate == "", res.StartTime == "", res.VenueName == ""} {
		if missing {
			conf *= 0.8
		}
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

var (
	monthNames = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"sept": time.September, "oct": time.October, "nov": time.November,
		"dec": time.December,
	}

	weekdayNames = map[string]time.Weekday{
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
		"sunday": time.Sunday,
	}

	isoDateRE      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	monthDayRE     = regexp.MustCompile(`(?i)^([A-Za-z]+)\.?\s+(\d{1,2})(?:\s*,?\s*(\d{4}))?$`)
	dayMonthRE     = regexp.MustCompile(`(?i)^(\d{1,2})\s+([A-Za-z]+)(?:\s+(\d{4}))?$`)
	slashDateRE    = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?$`)
	relWeekdayRE   = regexp.MustCompile(`(?i)^(this|next)\s+([A-Za-z]+day)$`)
	timeRE         = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*(AM|PM)?$`)
	timeRangeSepRE = regexp.MustCompile(`(?i)\s*(?:-|–|\bto\b)\s*`)
)

// ParseDate canonicalizes a matched date string to YYYY-MM-DD. Year-less
// dates resolve to the next occurrence on or after the post date. The
// second return is a range end date, empty for single-day events.
func ParseDate(value string, postedAt time.Time) (date, endDate string, ok bool) {
	v := strings.TrimSpace(value)

	if m := isoDateRE.FindStringSubmatch(v); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if !validYMD(y, mo, d) {
			return "", "", false
		}
		return fmt.Sprintf("%04d-%02d-%02d", y, mo, d), "", true
	}

	if m := monthDayRE.FindStringSubmatch(v); m != nil {
		mo, found := lookupMonth(m[1])
		if !found {
			return "", "", false
		}
		d, _ := strconv.Atoi(m[2])
		return resolveYMD(mo, d, m[3], postedAt)
	}

	if m := dayMonthRE.FindStringSubmatch(v); m != nil {
		mo, found := lookupMonth(m[2])
		if !found {
			return "", "", false
		}
		d, _ := strconv.Atoi(m[1])
		return resolveYMD(mo, d, m[3], postedAt)
	}

	if m := slashDateRE.FindStringSubmatch(v); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		if mo < 1 || mo > 12 {
			return "", "", false
		}
		return resolveYMD(time.Month(mo), d, m[3], postedAt)
	}

	if m := relWeekdayRE.FindStringSubmatch(v); m != nil {
		wd, found := weekdayNames[strings.ToLower(m[2])]
		if !found {
			return "", "", false
		}
		t := nextWeekday(postedAt, wd, strings.EqualFold(m[1], "next"))
		return t.Format("2006-01-02"), "", true
	}

	return "", "", false
}

func lookupMonth(name string) (time.Month, bool) {
	key := strings.ToLower(name)
	if len(key) > 4 {
		key = key[:3]
	}
	mo, ok := monthNames[key]
	if !ok && strings.HasPrefix(strings.ToLower(name), "sept") {
		return time.September, true
	}
	return mo, ok
}

// resolveYMD fills in a missing year: the next occurrence on or after the
// post date, rolling to next year when the month/day has already passed.
func resolveYMD(mo time.Month, d int, yearStr string, postedAt time.Time) (string, string, bool) {
	if yearStr != "" {
		y, _ := strconv.Atoi(yearStr)
		if y < 100 {
			y += 2000
		}
		if !validYMD(y, int(mo), d) {
			return "", "", false
		}
		return fmt.Sprintf("%04d-%02d-%02d", y, mo, d), "", true
	}

	y := postedAt.Year()
	if !validYMD(y, int(mo), d) {
		return "", "", false
	}
	candidate := time.Date(y, mo, d, 0, 0, 0, 0, postedAt.Location())
	if candidate.Before(time.Date(postedAt.Year(), postedAt.Month(), postedAt.Day(), 0, 0, 0, 0, postedAt.Location())) {
		candidate = candidate.AddDate(1, 0, 0)
	}
	return candidate.Format("2006-01-02"), "", true
}

func validYMD(y, mo, d int) bool {
	if y < 2000 || y > 2100 || mo < 1 || mo > 12 || d < 1 || d > 31 {
		return false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	return t.Day() == d && int(t.Month()) == mo
}

func nextWeekday(from time.Time, wd time.Weekday, skipThisWeek bool) time.Time {
	days := (int(wd) - int(from.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	if skipThisWeek && days <= int(time.Saturday)-int(from.Weekday()) {
		// "next Friday" said early in a week refers to the following week.
		days += 7
	}
	return from.AddDate(0, 0, days)
}

// ParseTimeRange canonicalizes "7PM", "7:30 PM", "19:00", and ranges like
// "7-10PM" or "7PM to 10PM" into 24h HH:MM values.
func ParseTimeRange(value string) (start, end string, ok bool) {
	parts := timeRangeSepRE.Split(strings.TrimSpace(value), 2)

	if len(parts) == 2 {
		endT, endOK := parseClock(parts[1], "")
		if !endOK {
			return "", "", false
		}
		// A bare start hour inherits the end's meridiem: "7-10PM" is 19:00.
		meridiem := trailingMeridiem(parts[1])
		startT, startOK := parseClock(parts[0], meridiem)
		if !startOK {
			return "", "", false
		}
		return startT, endT, true
	}

	startT, startOK := parseClock(parts[0], "")
	if !startOK {
		return "", "", false
	}
	return startT, "", true
}

func trailingMeridiem(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	if strings.HasSuffix(up, "PM") {
		return "PM"
	}
	if strings.HasSuffix(up, "AM") {
		return "AM"
	}
	return ""
}

func parseClock(s, inheritMeridiem string) (string, bool) {
	m := timeRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	meridiem := strings.ToUpper(m[3])
	if meridiem == "" {
		meridiem = inheritMeridiem
	}

	switch meridiem {
	case "PM":
		if hour < 1 || hour > 12 {
			return "", false
		}
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour < 1 || hour > 12 {
			return "", false
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return "", false
		}
	}
	if minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

var (
	freeRE       = regexp.MustCompile(`(?i)\bfree\b|no\s+cover|libre`)
	priceNumRE   = regexp.MustCompile(`(\d{2,5})`)
	priceRangeRE = regexp.MustCompile(`(?i)(\d{2,5})\s*(?:-|–|to)\s*(?:₱|PHP|P)?\s?(\d{2,5})`)
)

// ParsePrice interprets a matched price fragment: free admission, a single
// price, or a range.
func ParsePrice(value string) (free bool, min, max *float64) {
	if freeRE.MatchString(value) {
		return true, nil, nil
	}
	if m := priceRangeRE.FindStringSubmatch(value); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if hi < lo {
			lo, hi = hi, lo
		}
		return false, &lo, &hi
	}
	if m := priceNumRE.FindStringSubmatch(value); m != nil {
		p, _ := strconv.ParseFloat(m[1], 64)
		return false, &p, nil
	}
	return false, nil, nil
}

var venueTrailerRE = regexp.MustCompile(`(?i)\s+(for|with|feat\.?|featuring|this|on|every)\b.*$`)

// cleanVenueName strips trailing prose a greedy capture may have swallowed.
func cleanVenueName(v string) string {
	v = venueTrailerRE.ReplaceAllString(v, "")
	v = strings.Trim(v, " ,.!-")
	return v
}

var (
	titleFillerRE = regexp.MustCompile(`(?i)^(join\s+us|come\s+(?:join|see)\s+us|happening|don'?t\s+miss|catch)\b[\s,:!-]*`)
	titleForRE    = regexp.MustCompile(`(?i)\bfor\s+([A-Z][^.!?\n]{2,80})`)
)

// deriveTitle picks an event title from the caption: the phrase after
// "for ..." following the venue when present, otherwise the first line with
// filler openers stripped.
func deriveTitle(caption string, res *Result) string {
	if res.VenueName != "" {
		if idx := strings.Index(caption, res.VenueName); idx >= 0 {
			rest := caption[idx+len(res.VenueName):]
			if m := titleForRE.FindStringSubmatch(rest); m != nil {
				return strings.Trim(m[1], " ,.!-")
			}
		}
	}

	line := caption
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = titleFillerRE.ReplaceAllString(strings.TrimSpace(line), "")
	if i := strings.IndexAny(line, ".!?"); i > 0 {
		line = line[:i]
	}
	line = strings.Trim(line, " ,-")
	if len(line) > MessinessThreshold {
		// Truncate on a rune boundary; emoji-heavy captions would otherwise
		// split a multi-byte rune.
		cut := MessinessThreshold
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = strings.TrimSpace(line[:cut])
	}
	return line
}
