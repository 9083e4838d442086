package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kalendaryo/kalendaryo/internal/config"
	"github.com/kalendaryo/kalendaryo/internal/extract"
	"github.com/kalendaryo/kalendaryo/internal/httpserver"
	"github.com/kalendaryo/kalendaryo/internal/mcp"
	"github.com/kalendaryo/kalendaryo/internal/normalize"
	"github.com/kalendaryo/kalendaryo/internal/pipeline"
	"github.com/kalendaryo/kalendaryo/internal/store"
	"github.com/kalendaryo/kalendaryo/internal/venue"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runBatch(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "patterns":
		err = runPatterns(os.Args[2:])
	case "suggestions":
		err = runSuggestions(os.Args[2:])
	case "venues":
		err = runVenues(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "runs":
		err = runRuns(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("kalendaryo %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kalendaryo - local events extraction pipeline

Usage:
  kalendaryo run <batch.json> [--db <path>] [--run-id <id>] [--no-ai] [--no-geocode]
  kalendaryo serve [--db <path>] [--addr <host:port>]
  kalendaryo mcp [--db <path>]
  kalendaryo patterns list [--all]
  kalendaryo suggestions [list|approve <id>|reject <id>]
  kalendaryo venues [list|add <name> [--address <addr>] [--handle <@h>]]
  kalendaryo runs [status <id>|cancel <id>|reclaim]
  kalendaryo stats
  kalendaryo version`)
}

// resolveAndOpen loads config and opens the store shared by most commands.
func resolveAndOpen(cliDB string) (config.ResolvedConfig, *store.Store, error) {
	cfg, err := config.ResolveConfig(config.ResolveOptions{CLIDBPath: cliDB})
	if err != nil {
		return cfg, nil, err
	}
	s, err := store.Open(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return cfg, nil, fmt.Errorf("opening store: %w", err)
	}
	return cfg, s, nil
}

func buildPipeline(ctx context.Context, cfg config.ResolvedConfig, s *store.Store, useAI, useGeocode bool) (*pipeline.Pipeline, error) {
	var ai pipeline.AIExtractor
	if useAI && cfg.AIEndpoint.Value != "" {
		ai = extract.NewAIClient(extract.AIConfig{
			Endpoint: cfg.AIEndpoint.Value,
			APIKey:   cfg.AIAPIKey.Value,
			Model:    cfg.AIModel.Value,
		})
	}

	known, err := s.ListKnownVenues(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading known venues: %w", err)
	}
	var geocoder venue.Geocoder
	if useGeocode && cfg.GeocoderEndpoint.Value != "" {
		geocoder = venue.NewHTTPGeocoder(venue.GeocoderConfig{
			Endpoint: cfg.GeocoderEndpoint.Value,
			APIKey:   cfg.GeocoderAPIKey.Value,
		})
	}
	cache, err := loadRegionalCache(cfg)
	if err != nil {
		return nil, err
	}
	resolver := venue.NewResolver(venue.Config{
		FuzzyThreshold: cfg.EffectiveFloat(cfg.FuzzyThreshold, venue.DefaultFuzzyMatching),
	}, known, cache, geocoder, nil)

	opts := pipeline.DefaultOptions()
	opts.Prefilter = normalize.PrefilterConfig{
		MaxPostAgeDays: cfg.EffectiveInt(cfg.MaxPostAgeDays, normalize.DefaultPrefilterConfig().MaxPostAgeDays),
	}
	opts.AIModel = cfg.AIModel.Value
	opts.HeartbeatInterval = cfg.EffectiveDuration(cfg.HeartbeatInterval, 30*time.Second)
	opts.RunTimeout = cfg.EffectiveDuration(cfg.RunTimeout, 0)

	return pipeline.New(ctx, s, ai, resolver, opts)
}

// loadRegionalCache reads the configured regional cache file once; no
// configured path means no cache stages in the resolver chain.
func loadRegionalCache(cfg config.ResolvedConfig) (*venue.RegionalCache, error) {
	if cfg.RegionalCachePath.Value == "" {
		return nil, nil
	}
	cache, err := venue.LoadRegionalCacheFile(cfg.RegionalCachePath.Value)
	if err != nil {
		return nil, fmt.Errorf("loading regional cache: %w", err)
	}
	return cache, nil
}

func runBatch(args []string) error {
	var path, dbPath, runID string
	useAI, useGeocode := true, true
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--db" && i+1 < len(args):
			i++
			dbPath = args[i]
		case args[i] == "--run-id" && i+1 < len(args):
			i++
			runID = args[i]
		case args[i] == "--no-ai":
			useAI = false
		case args[i] == "--no-geocode":
			useGeocode = false
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			path = args[i]
		}
	}
	if path == "" {
		return fmt.Errorf("usage: kalendaryo run <batch.json> [--db <path>] [--run-id <id>]")
	}

	posts, err := pipeline.LoadBatchFile(path)
	if err != nil {
		return err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	cfg, s, err := resolveAndOpen(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	pipe, err := buildPipeline(ctx, cfg, s, useAI, useGeocode)
	if err != nil {
		return err
	}

	fmt.Printf("Processing %d posts (run %s)...\n", len(posts), runID)
	summary, err := pipe.Run(ctx, runID, 0, 1, posts)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s %s in %s\n", summary.RunID, summary.Status, summary.Elapsed.Round(time.Millisecond))
	fmt.Printf("  processed: %d\n  rejected:  %d\n  duplicates: %d\n  failed:    %d\n",
		summary.Processed, summary.Rejected, summary.Duplicates, summary.Failed)
	return nil
}

func runServe(args []string) error {
	var dbPath, addr string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--db" && i+1 < len(args):
			i++
			dbPath = args[i]
		case args[i] == "--addr" && i+1 < len(args):
			i++
			addr = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, s, err := resolveAndOpen(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	pipe, err := buildPipeline(ctx, cfg, s, true, true)
	if err != nil {
		return err
	}

	if addr == "" {
		addr = cfg.ListenAddr.Value
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	srv := httpserver.NewServer(httpserver.Config{
		ListenAddr:  addr,
		IngestToken: cfg.IngestToken.Value,
	}, s, pipe, logger)
	return srv.Start()
}

func runMCP(args []string) error {
	var dbPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "--db" && i+1 < len(args) {
			i++
			dbPath = args[i]
			continue
		}
		return fmt.Errorf("unknown flag: %s", args[i])
	}

	cfg, s, err := resolveAndOpen(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	cache, err := loadRegionalCache(cfg)
	if err != nil {
		return err
	}
	srv := mcp.NewServer(mcp.ServerConfig{Store: s, Version: version, RegionalCache: cache})
	return mcpserver.ServeStdio(srv)
}

func runPatterns(args []string) error {
	showAll := false
	for _, a := range args {
		switch a {
		case "list":
		case "--all":
			showAll = true
		default:
			return fmt.Errorf("usage: kalendaryo patterns list [--all]")
		}
	}

	_, s, err := resolveAndOpen("")
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	var patterns []*store.Pattern
	if showAll {
		patterns, err = s.ListPatterns(ctx)
	} else {
		patterns, err = s.ListActivePatterns(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%-5s %-7s %-4s %-6s %-10s %-6s %s\n", "ID", "FIELD", "PRI", "CONF", "SOURCE", "OK/NG", "EXPRESSION")
	for _, p := range patterns {
		expr := p.Expression
		if len(expr) > 60 {
			expr = expr[:57] + "..."
		}
		fmt.Printf("%-5d %-7s %-4d %-6.2f %-10s %d/%d %s\n",
			p.ID, p.FieldType, p.Priority, p.Confidence, p.Source, p.SuccessCount, p.FailureCount, expr)
	}
	return nil
}

func runSuggestions(args []string) error {
	_, s, err := resolveAndOpen("")
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		suggestions, err := s.ListSuggestions(ctx, "pending")
		if err != nil {
			return err
		}
		if len(suggestions) == 0 {
			fmt.Println("No pending suggestions.")
			return nil
		}
		for _, sg := range suggestions {
			fmt.Printf("#%d [%s] x%d  %s\n", sg.ID, sg.FieldType, sg.Occurrences, sg.Expression)
			fmt.Printf("    sample: %q\n", sg.SampleCaption)
		}
		return nil
	case "approve", "reject":
		if len(args) < 2 {
			return fmt.Errorf("usage: kalendaryo suggestions %s <id>", sub)
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		if sub == "approve" {
			patternID, err := s.ApproveSuggestion(ctx, id, 50, 0.6)
			if err != nil {
				return err
			}
			fmt.Printf("Promoted suggestion #%d to pattern #%d\n", id, patternID)
			return nil
		}
		if err := s.RejectSuggestion(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Rejected suggestion #%d\n", id)
		return nil
	default:
		return fmt.Errorf("usage: kalendaryo suggestions [list|approve <id>|reject <id>]")
	}
}

func runVenues(args []string) error {
	_, s, err := resolveAndOpen("")
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		venues, err := s.ListKnownVenues(ctx)
		if err != nil {
			return err
		}
		for _, v := range venues {
			coords := "-"
			if v.Lat != nil && v.Lng != nil {
				coords = fmt.Sprintf("%.5f,%.5f", *v.Lat, *v.Lng)
			}
			fmt.Printf("#%-4d %-30s %-20s %s\n", v.ID, v.Name, coords, v.Address)
			if len(v.Aliases) > 0 {
				fmt.Printf("      aliases: %s\n", strings.Join(v.Aliases, ", "))
			}
		}
		return nil
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("usage: kalendaryo venues add <name> [--address <addr>] [--handle <@h>]")
		}
		v := &store.KnownVenue{Name: args[1]}
		for i := 2; i < len(args); i++ {
			switch {
			case args[i] == "--address" && i+1 < len(args):
				i++
				v.Address = args[i]
			case args[i] == "--handle" && i+1 < len(args):
				i++
				v.OwnerHandle = args[i]
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		id, err := s.UpsertKnownVenue(ctx, v)
		if err != nil {
			return err
		}
		fmt.Printf("Venue #%d %q saved\n", id, v.Name)
		return nil
	default:
		return fmt.Errorf("usage: kalendaryo venues [list|add <name>]")
	}
}

func runStats(args []string) error {
	_, s, err := resolveAndOpen("")
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.GetStats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Posts:               %d\n", stats.Posts)
	fmt.Printf("Events:              %d\n", stats.Events)
	fmt.Printf("Duplicates:          %d\n", stats.Duplicates)
	fmt.Printf("Event groups:        %d\n", stats.EventGroups)
	fmt.Printf("Known venues:        %d\n", stats.KnownVenues)
	fmt.Printf("Active patterns:     %d\n", stats.ActivePatterns)
	fmt.Printf("Pending suggestions: %d\n", stats.PendingSuggestions)
	fmt.Printf("Ground truth rows:   %d\n", stats.GroundTruthRows)
	if len(stats.PostsByTier) > 0 {
		fmt.Println("By review tier:")
		for _, tier := range []string{"ready", "quick", "full", "rejected"} {
			if n, ok := stats.PostsByTier[tier]; ok {
				fmt.Printf("  %-9s %d\n", tier, n)
			}
		}
	}
	return nil
}

func runRuns(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kalendaryo runs [status <id>|cancel <id>|reclaim]")
	}

	_, s, err := resolveAndOpen("")
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch args[0] {
	case "status":
		if len(args) < 2 {
			return fmt.Errorf("usage: kalendaryo runs status <id>")
		}
		run, err := s.GetRun(ctx, args[1])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("no such run: %s", args[1])
		}
		fmt.Printf("Run %s: %s (batch %d/%d)\n", run.ID, run.Status, run.BatchIndex, run.BatchTotal)
		fmt.Printf("  processed %d/%d, rejected %d, duplicates %d, failed %d\n",
			run.PostsProcessed, run.PostsTotal, run.PostsRejected, run.Duplicates, run.PostsFailed)
		if run.Error != "" {
			fmt.Printf("  error: %s\n", run.Error)
		}
		return nil
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: kalendaryo runs cancel <id>")
		}
		if err := s.RequestCancel(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Cancel requested for run %s\n", args[1])
		return nil
	case "reclaim":
		n, err := s.ReclaimStuckRuns(ctx, 10*time.Minute)
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d stuck runs\n", n)
		return nil
	default:
		return fmt.Errorf("usage: kalendaryo runs [status <id>|cancel <id>|reclaim]")
	}
}
