// Package venue resolves extracted venue names to canonical identities and
// coordinates through an ordered fallback chain: curated known venues,
// then the regional cache, then the external geocoder. Each stage
// short-circuits on success and every stage is logged for auditability.
package venue

import (
	"context"
	"fmt"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

// Match is a resolution outcome. MatchType tags which stage produced it so
// every stored coordinate is auditable back to its source.
type Match struct {
	VenueID       int64 // known venue id, 0 otherwise
	CanonicalName string
	Address       string
	Lat           *float64
	Lng           *float64
	MatchType     string // exact, alias, word, partial, fuzzy, cache, cache_fuzzy, geocoded
	Source        string // known_venue, regional_cache, geocoder
	Confidence    float64
	IsKnownVenue  bool
}

// Stage confidence ceilings: a fuzzy hit must always score strictly below
// an exact one.
const (
	exactConfidence      = 1.0
	aliasConfidence      = 0.95
	wordConfidence       = 0.85
	cacheConfidence      = 0.8
	cacheFuzzyCeiling    = 0.7
	fuzzyCeiling         = 0.9
	cacheFuzzyThreshold  = 0.7
	DefaultFuzzyMatching = 0.75
)

// Config tunes the resolver.
type Config struct {
	FuzzyThreshold float64
}

// StageLog receives one entry per attempted stage. Implementations must be
// non-blocking; resolution never waits on logging.
type StageLog func(stage string, hit bool, matchType string)

// indexedVenue is one known venue with precomputed lookup keys.
type indexedVenue struct {
	venue   *store.KnownVenue
	norm    string
	aliases []string
	words   []string
}

// Resolver runs the fallback chain. Build one per run from the venue table
// snapshot and the regional cache; it holds no mutable state afterwards.
type Resolver struct {
	cfg      Config
	venues   []*indexedVenue
	byNorm   map[string]*indexedVenue
	byAlias  map[string]*indexedVenue
	cache    *RegionalCache
	geocoder Geocoder
	log      StageLog
}

// NewResolver indexes the known venue snapshot. cache and geocoder may be
// nil; their stages are skipped. log may be nil.
func NewResolver(cfg Config, known []*store.KnownVenue, cache *RegionalCache, geocoder Geocoder, log StageLog) *Resolver {
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = DefaultFuzzyMatching
	}
	if log == nil {
		log = func(string, bool, string) {}
	}

	r := &Resolver{
		cfg:      cfg,
		byNorm:   map[string]*indexedVenue{},
		byAlias:  map[string]*indexedVenue{},
		cache:    cache,
		geocoder: geocoder,
		log:      log,
	}

	for _, v := range known {
		iv := &indexedVenue{
			venue: v,
			norm:  v.NormalizedName,
		}
		if iv.norm == "" {
			iv.norm = NormalizeName(v.Name)
		}
		iv.words = SignificantWords(iv.norm)
		for _, a := range v.Aliases {
			aliasNorm := NormalizeName(a)
			if aliasNorm == "" {
				continue
			}
			iv.aliases = append(iv.aliases, aliasNorm)
			r.byAlias[aliasNorm] = iv
		}
		r.venues = append(r.venues, iv)
		r.byNorm[iv.norm] = iv
	}

	return r
}

// Resolve walks the chain for an extracted venue name and optional address.
// A nil match with a nil error means the chain ran out: the post proceeds
// without coordinates and downstream tiering handles it.
func (r *Resolver) Resolve(ctx context.Context, venueName, address string) (*Match, error) {
	norm := NormalizeName(venueName)
	if norm == "" {
		return nil, fmt.Errorf("empty venue name")
	}

	// Stage 1: known venue, exact normalized name.
	if iv, ok := r.byNorm[norm]; ok {
		r.log("known_exact", true, "exact")
		return knownMatch(iv.venue, "exact", exactConfidence), nil
	}
	r.log("known_exact", false, "")

	// Stage 2: known venue, alias.
	if iv, ok := r.byAlias[norm]; ok {
		r.log("known_alias", true, "alias")
		return knownMatch(iv.venue, "alias", aliasConfidence), nil
	}
	r.log("known_alias", false, "")

	// Stage 3: known venue, significant-word overlap.
	if m := r.wordOverlap(norm); m != nil {
		r.log("known_word", true, m.MatchType)
		return m, nil
	}
	r.log("known_word", false, "")

	// Stage 4: known venue, fuzzy similarity.
	if m := r.fuzzyKnown(norm); m != nil {
		r.log("known_fuzzy", true, "fuzzy")
		return m, nil
	}
	r.log("known_fuzzy", false, "")

	// Stage 5: regional cache, exact key.
	if r.cache != nil {
		if e, ok := r.cache.Exact(norm); ok {
			r.log("cache_exact", true, "cache")
			return cacheMatch(e, "cache", cacheConfidence), nil
		}
		r.log("cache_exact", false, "")

		// Stage 6: regional cache, fuzzy key.
		if e, score, ok := r.cache.Fuzzy(norm, cacheFuzzyThreshold); ok {
			r.log("cache_fuzzy", true, "cache_fuzzy")
			return cacheMatch(e, "cache_fuzzy", score*cacheFuzzyCeiling), nil
		}
		r.log("cache_fuzzy", false, "")
	}

	// Stage 7: external geocoder, gated on address plausibility.
	if r.geocoder != nil && IsPlausibleAddress(address) {
		res, err := r.geocoder.Geocode(ctx, venueName, address)
		if err != nil {
			// Non-fatal: the chain is exhausted, not broken.
			r.log("geocoder", false, "")
			return nil, nil
		}
		if res.IsValid {
			r.log("geocoder", true, "geocoded")
			lat, lng := res.Lat, res.Lng
			return &Match{
				CanonicalName: venueName,
				Address:       res.FormattedAddress,
				Lat:           &lat,
				Lng:           &lng,
				MatchType:     "geocoded",
				Source:        "geocoder",
				Confidence:    res.Confidence,
			}, nil
		}
		r.log("geocoder", false, "")
	}

	return nil, nil
}

// wordOverlap matches on ≥2 overlapping significant words, or 1 when the
// known venue name itself is a single word.
func (r *Resolver) wordOverlap(norm string) *Match {
	words := SignificantWords(norm)
	if len(words) == 0 {
		return nil
	}
	wordSet := map[string]struct{}{}
	for _, w := range words {
		wordSet[w] = struct{}{}
	}

	var best *indexedVenue
	bestOverlap := 0
	for _, iv := range r.venues {
		overlap := 0
		for _, w := range iv.words {
			if _, ok := wordSet[w]; ok {
				overlap++
			}
		}
		required := 2
		if len(iv.words) == 1 {
			required = 1
		}
		if overlap >= required && overlap > bestOverlap {
			best = iv
			bestOverlap = overlap
		}
	}
	if best == nil {
		return nil
	}

	matchType := "word"
	if bestOverlap < len(best.words) {
		matchType = "partial"
	}
	return knownMatch(best.venue, matchType, wordConfidence)
}

func (r *Resolver) fuzzyKnown(norm string) *Match {
	var best *indexedVenue
	bestScore := 0.0
	for _, iv := range r.venues {
		score := Similarity(norm, iv.norm)
		for _, a := range iv.aliases {
			if s := Similarity(norm, a); s > score {
				score = s
			}
		}
		if score >= r.cfg.FuzzyThreshold && score > bestScore {
			best = iv
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}
	return knownMatch(best.venue, "fuzzy", bestScore*fuzzyCeiling)
}

func knownMatch(v *store.KnownVenue, matchType string, confidence float64) *Match {
	return &Match{
		VenueID:       v.ID,
		CanonicalName: v.Name,
		Address:       v.Address,
		Lat:           v.Lat,
		Lng:           v.Lng,
		MatchType:     matchType,
		Source:        "known_venue",
		Confidence:    confidence,
		IsKnownVenue:  true,
	}
}

func cacheMatch(e CacheEntry, matchType string, confidence float64) *Match {
	lat, lng := e.Lat, e.Lng
	return &Match{
		CanonicalName: e.Name,
		Address:       e.Address,
		Lat:           &lat,
		Lng:           &lng,
		MatchType:     matchType,
		Source:        "regional_cache",
		Confidence:    confidence,
	}
}
