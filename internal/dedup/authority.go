package dedup

import (
	"regexp"
	"strings"
)

// Source authority scores by owner handle class. The venue's own account
// is the most trusted description of its events; promo accounts the least.
const (
	AuthorityVenueOfficial = 100
	AuthorityOrganizer     = 80
	AuthorityArtist        = 60
	AuthorityMediaPromo    = 40
	AuthorityDefault       = 50
)

var (
	organizerHandleRE = regexp.MustCompile(`(?i)(events?|prod(?:uctions?)?|presents|collective|series|sessions|crew)$|^(the)?.*(events?|presents)`)
	artistHandleRE    = regexp.MustCompile(`(?i)(band|music|dj[._]|[._]dj|sounds?|official)$`)
	mediaHandleRE     = regexp.MustCompile(`(?i)(promo|media|mag(azine)?|tv|news|blog|spotted|guide|updates?)$`)
)

// SourceAuthority scores an owner handle. venueHandles is the set of
// lowercase handles belonging to curated venues; a post from the venue's
// own account outranks everything else.
func SourceAuthority(handle string, venueHandles map[string]struct{}) int {
	h := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(handle, "@")))
	if h == "" {
		return AuthorityDefault
	}
	if _, ok := venueHandles[h]; ok {
		return AuthorityVenueOfficial
	}
	switch {
	case organizerHandleRE.MatchString(h):
		return AuthorityOrganizer
	case artistHandleRE.MatchString(h):
		return AuthorityArtist
	case mediaHandleRE.MatchString(h):
		return AuthorityMediaPromo
	default:
		return AuthorityDefault
	}
}
