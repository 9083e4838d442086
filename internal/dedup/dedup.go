// Package dedup merges near-duplicate postings of the same real-world
// event into event groups with one canonical primary.
//
// Two posts describe the same event when they share a normalized venue, an
// event date within ±1 day, and a title similarity of at least the Jaccard
// threshold. The primary is chosen by source authority with engagement as
// tie-break; a richer record arriving later can atomically swap roles with
// a weaker stored primary.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/store"
	"github.com/kalendaryo/kalendaryo/internal/validate"
	"github.com/kalendaryo/kalendaryo/internal/venue"
)

// TitleSimilarityThreshold is the minimum Jaccard index over significant
// title words for two postings to count as the same event. Below it, even
// same venue/date postings stay distinct.
const TitleSimilarityThreshold = 0.3

// titleStopwords are dropped before computing title similarity; they carry
// no event identity.
var titleStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "our": {}, "your": {}, "you": {}, "are": {}, "its": {},
}

// TitleSimilarity computes the Jaccard index over normalized,
// stopword/short-word-filtered word sets of two titles.
func TitleSimilarity(a, b string) float64 {
	aSet := titleWordSet(a)
	bSet := titleWordSet(b)
	if len(aSet) == 0 || len(bSet) == 0 {
		return 0
	}
	inter := 0
	for w := range aSet {
		if _, ok := bSet[w]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func titleWordSet(title string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(venue.NormalizeName(title)) {
		if len(w) < 3 {
			continue
		}
		if _, skip := titleStopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Outcome reports what the deduplicator did with a post.
type Outcome struct {
	IsDuplicate bool
	PrimaryID   int64 // canonical primary after the decision
	GroupID     int64
	Swapped     bool // the incoming post displaced the old primary
	Similarity  float64
}

// Deduplicator resolves incoming event posts against stored ones.
type Deduplicator struct {
	store        *store.Store
	venueHandles map[string]struct{}
}

// New builds a deduplicator. knownVenues supplies the official-handle set
// for authority scoring.
func New(s *store.Store, knownVenues []*store.KnownVenue) *Deduplicator {
	handles := map[string]struct{}{}
	for _, v := range knownVenues {
		h := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(v.OwnerHandle, "@")))
		if h != "" {
			handles[h] = struct{}{}
		}
	}
	return &Deduplicator{store: s, venueHandles: handles}
}

// ProcessPost checks a freshly persisted event post against stored events
// at the same venue within the ±1 day window, merging and possibly swapping
// primaries. Returns a nil outcome when the post has no venue or date, or
// no candidate matched.
func (d *Deduplicator) ProcessPost(ctx context.Context, post *store.Post) (*Outcome, error) {
	if post.VenueNorm == "" || post.EventDate == "" {
		return nil, nil
	}

	window, err := dateWindow(post.EventDate)
	if err != nil {
		return nil, fmt.Errorf("invalid event date %q: %w", post.EventDate, err)
	}

	candidates, err := d.store.FindEventCandidates(ctx, post.VenueNorm, window, post.ID)
	if err != nil {
		return nil, fmt.Errorf("querying dedup candidates: %w", err)
	}

	best, bestSim := d.bestCandidate(post, candidates)
	if best == nil {
		return nil, nil
	}

	primary, err := d.canonicalPrimary(ctx, best)
	if err != nil {
		return nil, err
	}

	decision := validate.CheckForDuplicate(completeness(post), completeness(primary), bestSim, TitleSimilarityThreshold)
	if !decision.IsDuplicate {
		return nil, nil
	}

	incomingWins := decision.ShouldSwap || d.incomingOutranks(post, primary)

	if !incomingWins {
		groupID, err := d.store.MergePost(ctx, primary.ID, post.ID)
		if err != nil {
			return nil, fmt.Errorf("merging post %d under %d: %w", post.ID, primary.ID, err)
		}
		return &Outcome{IsDuplicate: true, PrimaryID: primary.ID, GroupID: groupID, Similarity: bestSim}, nil
	}

	// The incoming post takes over as primary. Merge it in first so a group
	// exists, then swap roles in one transaction.
	groupID, err := d.store.MergePost(ctx, primary.ID, post.ID)
	if err != nil {
		return nil, fmt.Errorf("merging post %d under %d: %w", post.ID, primary.ID, err)
	}
	if err := d.store.SwapPrimary(ctx, groupID, primary.ID, post.ID); err != nil {
		return nil, fmt.Errorf("swapping primary for group %d: %w", groupID, err)
	}
	return &Outcome{IsDuplicate: false, PrimaryID: post.ID, GroupID: groupID, Swapped: true, Similarity: bestSim}, nil
}

// bestCandidate returns the most similar candidate at or above the
// threshold.
func (d *Deduplicator) bestCandidate(post *store.Post, candidates []*store.Post) (*store.Post, float64) {
	var best *store.Post
	bestSim := 0.0
	for _, c := range candidates {
		sim := TitleSimilarity(post.Title, c.Title)
		if sim >= TitleSimilarityThreshold && sim > bestSim {
			best = c
			bestSim = sim
		}
	}
	return best, bestSim
}

// canonicalPrimary resolves a candidate that is itself a merged member to
// its group primary so groups never nest.
func (d *Deduplicator) canonicalPrimary(ctx context.Context, candidate *store.Post) (*store.Post, error) {
	if !candidate.IsDuplicate || candidate.DuplicateOf == nil {
		return candidate, nil
	}
	primary, err := d.store.GetPost(ctx, *candidate.DuplicateOf)
	if err != nil {
		return nil, fmt.Errorf("resolving canonical primary: %w", err)
	}
	if primary == nil {
		return candidate, nil
	}
	return primary, nil
}

// incomingOutranks decides primary by source authority, engagement count
// as tie-break.
func (d *Deduplicator) incomingOutranks(incoming, existing *store.Post) bool {
	authIn := SourceAuthority(incoming.OwnerHandle, d.venueHandles)
	authEx := SourceAuthority(existing.OwnerHandle, d.venueHandles)
	if authIn != authEx {
		return authIn > authEx
	}
	return incoming.Likes+incoming.Comments > existing.Likes+existing.Comments
}

func completeness(p *store.Post) validate.CompletenessInput {
	return validate.CompletenessInput{
		HasTitle:  p.Title != "",
		HasDate:   p.EventDate != "",
		HasTime:   p.StartTime != "",
		HasVenue:  p.VenueName != "",
		HasPrice:  p.IsFree != nil || p.PriceMin != nil,
		HasCoords: p.Lat != nil && p.Lng != nil,
	}
}

// dateWindow expands an event date into the ±1 day candidate window.
func dateWindow(date string) ([]string, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, err
	}
	return []string{
		d.AddDate(0, 0, -1).Format("2006-01-02"),
		date,
		d.AddDate(0, 0, 1).Format("2006-01-02"),
	}, nil
}
