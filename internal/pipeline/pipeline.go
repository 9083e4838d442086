// Package pipeline orchestrates the per-post extraction flow and the batch
// runner around it: normalize, prefilter, regex extraction, AI fallback,
// venue resolution, persistence, deduplication, validation, and training.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/dedup"
	"github.com/kalendaryo/kalendaryo/internal/extract"
	"github.com/kalendaryo/kalendaryo/internal/normalize"
	"github.com/kalendaryo/kalendaryo/internal/runlog"
	"github.com/kalendaryo/kalendaryo/internal/store"
	"github.com/kalendaryo/kalendaryo/internal/trainer"
	"github.com/kalendaryo/kalendaryo/internal/validate"
	"github.com/kalendaryo/kalendaryo/internal/venue"
)

// RawPost is one scraped post as handed to the pipeline.
type RawPost struct {
	ExternalID  string    `json:"external_id"`
	OwnerHandle string    `json:"owner_handle"`
	Caption     string    `json:"caption"`
	ImageURL    string    `json:"image_url,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
	Likes       int64     `json:"likes"`
	Comments    int64     `json:"comments"`
}

// AIExtractor is the AI fallback boundary. *extract.AIClient satisfies it;
// tests substitute their own.
type AIExtractor interface {
	Extract(ctx context.Context, req extract.AIRequest) (*extract.AIResult, error)
}

// Options tunes a pipeline instance.
type Options struct {
	Prefilter    normalize.PrefilterConfig
	LocationHint string
	AIModel      string

	// CancelPollEvery controls how often the batch loop checks the run's
	// cancel flag, in posts.
	CancelPollEvery int

	// RunTimeout bounds a batch's wall clock. Zero means no limit. On
	// expiry the run finishes as "timeout" with partial results persisted.
	RunTimeout time.Duration

	HeartbeatInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Prefilter:         normalize.DefaultPrefilterConfig(),
		LocationHint:      "Makati, Metro Manila, Philippines",
		CancelPollEvery:   10,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Pipeline processes posts one at a time. Posts within a run are handled
// sequentially so deduplication sees every earlier post's outcome.
type Pipeline struct {
	store    *store.Store
	matcher  *extract.Matcher
	ai       AIExtractor
	resolver *venue.Resolver
	dedup    *dedup.Deduplicator
	trainer  *trainer.Trainer
	opts     Options
}

// New assembles a pipeline. Patterns are loaded once; patterns that fail to
// compile are flagged invalid in the store and skipped. ai and resolver may
// be nil to disable those stages.
func New(ctx context.Context, s *store.Store, ai AIExtractor, resolver *venue.Resolver, opts Options) (*Pipeline, error) {
	patterns, err := s.ListActivePatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading patterns: %w", err)
	}
	matcher, invalid := extract.NewMatcher(patterns)
	for _, id := range invalid {
		if err := s.MarkPatternInvalid(ctx, id); err != nil {
			return nil, fmt.Errorf("flagging invalid pattern %d: %w", id, err)
		}
	}

	known, err := s.ListKnownVenues(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading known venues: %w", err)
	}

	if opts.CancelPollEvery <= 0 {
		opts.CancelPollEvery = 10
	}
	return &Pipeline{
		store:    s,
		matcher:  matcher,
		ai:       ai,
		resolver: resolver,
		dedup:    dedup.New(s, known),
		trainer:  trainer.New(s),
		opts:     opts,
	}, nil
}

// Outcome summarizes one post's trip through the pipeline.
type Outcome struct {
	PostID      int64
	IsEvent     bool
	Rejected    bool
	Duplicate   bool
	Unchanged   bool // idempotent re-ingest, nothing recomputed
	ReviewTier  string
	Confidence  float64
	RejectTag   string
	DedupResult *dedup.Outcome
}

// ProcessPost runs one post through every stage. Stage failures that have a
// defined degradation (AI down, geocoder down) degrade; storage failures
// abort.
func (p *Pipeline) ProcessPost(ctx context.Context, raw RawPost, runID string, log *runlog.Logger) (*Outcome, error) {
	now := time.Now()
	caption := normalize.Caption(raw.Caption)
	hash := captionHash(caption)

	// Unchanged re-ingests short-circuit before any expensive stage.
	if existing, err := p.store.GetPostByExternalID(ctx, raw.ExternalID); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", raw.ExternalID, err)
	} else if existing != nil && existing.CaptionHash == hash {
		return &Outcome{
			PostID:     existing.ID,
			IsEvent:    existing.IsEvent,
			Rejected:   !existing.IsEvent,
			Duplicate:  existing.IsDuplicate,
			Unchanged:  true,
			ReviewTier: existing.ReviewTier,
			Confidence: existing.Confidence,
		}, nil
	}

	post := &store.Post{
		ExternalID:  raw.ExternalID,
		OwnerHandle: raw.OwnerHandle,
		Caption:     caption,
		CaptionHash: hash,
		ImageRef:    raw.ImageURL,
		PostedAt:    raw.PostedAt,
		Likes:       raw.Likes,
		Comments:    raw.Comments,
		Status:      "processed",
		RunID:       runID,
	}

	if cls := normalize.Prefilter(caption, raw.PostedAt, nil, now, p.opts.Prefilter); cls.Reject {
		return p.reject(ctx, post, cls.Reason, log)
	}

	res := p.matcher.Extract(caption, raw.PostedAt)
	if log != nil {
		log.LogPayload("extract", "info", "regex extraction", map[string]interface{}{
			"post": raw.ExternalID, "confidence": res.Confidence, "method": res.Method,
		})
	}

	regexRes := res
	var aiResult *extract.AIResult
	forceReview := false
	if p.ai != nil && extract.NeedsAIExtraction(res) {
		imageBased := extract.ShouldExtractFromImage(caption, raw.ImageURL != "")
		ai, err := p.ai.Extract(ctx, extract.AIRequest{
			Caption:      caption,
			ImageURL:     raw.ImageURL,
			LocationHint: p.opts.LocationHint,
			PostID:       raw.ExternalID,
			UseOCR:       imageBased,
			Model:        p.opts.AIModel,
			PostedAt:     raw.PostedAt,
		})
		if err != nil {
			// AI down degrades to regex-only output needing review.
			if log != nil {
				log.Log("ai", "warn", fmt.Sprintf("ai extraction failed for %s: %v", raw.ExternalID, err))
			}
			forceReview = true
		} else {
			aiResult = ai
			res, forceReview = extract.MergeAI(res, ai, imageBased)
		}
	}

	// The historical check reruns once the event date is known.
	if res.EventDate != "" {
		if d, err := time.Parse("2006-01-02", res.EventDate); err == nil {
			if cls := normalize.Prefilter(caption, raw.PostedAt, &d, now, p.opts.Prefilter); cls.Reject {
				return p.reject(ctx, post, cls.Reason, log)
			}
		}
	}

	res, warnings := validate.ExtractedData(res, now)

	var match *venue.Match
	if p.resolver != nil && res.VenueName != "" {
		m, err := p.resolver.Resolve(ctx, res.VenueName, res.VenueAddress)
		if err != nil {
			return nil, fmt.Errorf("venue resolution: %w", err)
		}
		match = m
	}

	applyResult(post, res, warnings)
	applyVenue(post, res, match)

	isKnown := match != nil && match.IsKnownVenue
	hasCoords := post.Lat != nil && post.Lng != nil
	post.IsEvent = true
	tier := validate.ReviewTier(res.Confidence, len(warnings),
		post.EventDate != "", post.StartTime != "", post.VenueName != "", hasCoords, isKnown)
	post.ReviewTier = string(tier)
	post.NeedsReview = forceReview || tier != validate.TierReady
	if forceReview && tier == validate.TierReady {
		post.ReviewTier = string(validate.TierQuick)
	}
	post.Urgency = validate.Urgency(post.EventDate, now)

	id, changed, err := p.store.UpsertPost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("persisting %s: %w", raw.ExternalID, err)
	}
	post.ID = id

	out := &Outcome{
		PostID:     id,
		IsEvent:    true,
		Unchanged:  !changed,
		ReviewTier: post.ReviewTier,
		Confidence: post.Confidence,
	}
	if !changed {
		return out, nil
	}

	dd, err := p.dedup.ProcessPost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("dedup %s: %w", raw.ExternalID, err)
	}
	if dd != nil {
		out.Duplicate = dd.IsDuplicate
		out.DedupResult = dd
		if log != nil {
			log.LogPayload("dedup", "info", "duplicate resolved", map[string]interface{}{
				"post": raw.ExternalID, "primary": dd.PrimaryID, "swapped": dd.Swapped, "similarity": dd.Similarity,
			})
		}
	}

	if aiResult != nil && aiResult.Confidence >= trainer.MinAIConfidence {
		if _, err := p.trainer.Train(ctx, id, caption, raw.PostedAt, regexRes, aiResult); err != nil {
			// Training is advisory; a failure never fails the post.
			if log != nil {
				log.Log("trainer", "warn", fmt.Sprintf("training failed for %s: %v", raw.ExternalID, err))
			}
		}
	}

	return out, nil
}

func (p *Pipeline) reject(ctx context.Context, post *store.Post, reason string, log *runlog.Logger) (*Outcome, error) {
	post.IsEvent = false
	post.RejectReason = reason
	post.ReviewTier = string(validate.TierRejected)
	post.ExtractionMethod = "regex"
	id, _, err := p.store.UpsertPost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("persisting rejected %s: %w", post.ExternalID, err)
	}
	if log != nil {
		log.Log("prefilter", "info", fmt.Sprintf("rejected %s: %s", post.ExternalID, reason))
	}
	return &Outcome{PostID: id, Rejected: true, RejectTag: reason, ReviewTier: post.ReviewTier}, nil
}

func applyResult(post *store.Post, res *extract.Result, warnings []string) {
	post.Title = res.Title
	post.EventDate = res.EventDate
	post.EventEndDate = res.EventEndDate
	post.StartTime = res.StartTime
	post.EndTime = res.EndTime
	post.PriceMin = res.PriceMin
	post.PriceMax = res.PriceMax
	post.IsFree = res.IsFree
	post.SignupURL = res.SignupURL
	post.Category = res.Category
	post.Confidence = res.Confidence
	post.ExtractionMethod = res.Method
	post.FieldSources = res.Sources
	post.Conflicts = res.Conflicts
	post.ValidationWarnings = warnings
	if res.AIReference != nil {
		if b, err := json.Marshal(res.AIReference); err == nil {
			post.AIReference = string(b)
		}
	}
}

func applyVenue(post *store.Post, res *extract.Result, match *venue.Match) {
	post.VenueName = res.VenueName
	post.VenueAddress = res.VenueAddress
	post.VenueNorm = venue.NormalizeName(res.VenueName)
	if match == nil {
		return
	}
	if match.CanonicalName != "" {
		post.VenueName = match.CanonicalName
		post.VenueNorm = venue.NormalizeName(match.CanonicalName)
	}
	if match.Address != "" {
		post.VenueAddress = match.Address
	}
	post.Lat = match.Lat
	post.Lng = match.Lng
	post.VenueMatch = match.MatchType
	post.VenueSource = match.Source
}

func captionHash(caption string) string {
	sum := sha256.Sum256([]byte(caption))
	return hex.EncodeToString(sum[:])
}

// LoadBatchFile reads a JSON array of raw posts.
func LoadBatchFile(path string) ([]RawPost, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var posts []RawPost
	if err := json.Unmarshal(b, &posts); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return posts, nil
}
