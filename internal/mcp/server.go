// Package mcp provides a Model Context Protocol server for Kalendaryo.
//
// It exposes the review queue, aggregate stats, pattern suggestion
// management, and venue resolution as MCP tools, plus pipeline statistics
// as an MCP resource, over stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalendaryo/kalendaryo/internal/store"
	"github.com/kalendaryo/kalendaryo/internal/venue"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   *store.Store
	Version string

	// RegionalCache, when set, adds the cache stages to venue resolution.
	RegionalCache *venue.RegionalCache
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines and
// SQLite supports only one writer at a time; a global mutex keeps approvals
// ordered before the queries that should see them.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Kalendaryo tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Kalendaryo",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerReviewQueueTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)
	registerSuggestionsTool(s, cfg.Store)
	registerApproveSuggestionTool(s, cfg.Store)
	registerRejectSuggestionTool(s, cfg.Store)
	registerResolveVenueTool(s, cfg.Store, cfg.RegionalCache)

	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerReviewQueueTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("kalendaryo_review_queue",
		mcp.WithDescription("List event posts awaiting human review, ordered by urgency (soonest events first). Optionally filter by review tier."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("tier",
			mcp.Description("Review tier filter: ready, quick, full, or rejected. Empty = all tiers needing review."),
			mcp.Enum("ready", "quick", "full", "rejected"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of posts (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		tier := ""
		if t, err := req.RequireString("tier"); err == nil {
			tier = t
		}

		limit := 20
		if v, err := req.RequireFloat("limit"); err == nil {
			limit = int(v)
			if limit > 100 {
				limit = 100
			}
			if limit < 1 {
				limit = 20
			}
		}

		posts, err := st.ListReviewQueue(ctx, tier, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("review queue error: %v", err)), nil
		}

		type queueItem struct {
			ID         int64   `json:"id"`
			ExternalID string  `json:"external_id"`
			Title      string  `json:"title"`
			EventDate  string  `json:"event_date"`
			StartTime  string  `json:"start_time,omitempty"`
			VenueName  string  `json:"venue_name,omitempty"`
			Tier       string  `json:"review_tier"`
			Urgency    int     `json:"urgency"`
			Confidence float64 `json:"confidence"`
			Warnings   int     `json:"warnings"`
		}
		items := make([]queueItem, 0, len(posts))
		for _, p := range posts {
			items = append(items, queueItem{
				ID:         p.ID,
				ExternalID: p.ExternalID,
				Title:      p.Title,
				EventDate:  p.EventDate,
				StartTime:  p.StartTime,
				VenueName:  p.VenueName,
				Tier:       p.ReviewTier,
				Urgency:    p.Urgency,
				Confidence: p.Confidence,
				Warnings:   len(p.ValidationWarnings),
			})
		}

		data, _ := json.MarshalIndent(items, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("kalendaryo_stats",
		mcp.WithDescription("Aggregate pipeline statistics: post and event counts, duplicates, known venues, active patterns, pending suggestions, and posts by review tier."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.GetStats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSuggestionsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("kalendaryo_suggestions",
		mcp.WithDescription("List learned pattern suggestions awaiting approval, with the sample caption each was derived from."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("status",
			mcp.Description("Status filter: pending, approved, or rejected (default: pending)"),
			mcp.Enum("pending", "approved", "rejected"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		status := "pending"
		if v, err := req.RequireString("status"); err == nil && v != "" {
			status = v
		}

		suggestions, err := st.ListSuggestions(ctx, status)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("suggestions error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(suggestions, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerApproveSuggestionTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("kalendaryo_approve_suggestion",
		mcp.WithDescription("Approve a pending pattern suggestion, promoting it to an active ai_learned extraction pattern."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Suggestion id to approve"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Priority for the promoted pattern (default: 50). Higher wins when several patterns match."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}

		priority := 50
		if v, err := req.RequireFloat("priority"); err == nil && v > 0 {
			priority = int(v)
		}

		patternID, err := st.ApproveSuggestion(ctx, int64(idVal), priority, 0.6)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approve error: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf(`{"pattern_id": %d}`, patternID)), nil
	})
}

func registerRejectSuggestionTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("kalendaryo_reject_suggestion",
		mcp.WithDescription("Reject a pending pattern suggestion."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Suggestion id to reject"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}

		if err := st.RejectSuggestion(ctx, int64(idVal)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reject error: %v", err)), nil
		}

		return mcp.NewToolResultText(`{"status": "rejected"}`), nil
	})
}

func registerResolveVenueTool(s *server.MCPServer, st *store.Store, cache *venue.RegionalCache) {
	tool := mcp.NewTool("kalendaryo_resolve_venue",
		mcp.WithDescription("Resolve a raw venue string against known venues: exact, alias, word-overlap, fuzzy, then regional cache matching. Geocoding is not attempted from this tool."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Venue name as extracted from a caption"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcp.NewToolResultError("name is required"), nil
		}

		known, err := st.ListKnownVenues(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loading venues: %v", err)), nil
		}

		resolver := venue.NewResolver(venue.Config{}, known, cache, nil, nil)
		match, err := resolver.Resolve(ctx, name, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolve error: %v", err)), nil
		}
		if match == nil {
			return mcp.NewToolResultText(`{"matched": false}`), nil
		}

		data, _ := json.MarshalIndent(match, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st *store.Store) {
	resource := mcp.NewResource(
		"kalendaryo://stats",
		"Pipeline Statistics",
		mcp.WithResourceDescription("Aggregate extraction pipeline statistics including post counts, review tiers, dedup groups, and pattern health."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.GetStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
