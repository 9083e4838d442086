package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/runlog"
	"github.com/kalendaryo/kalendaryo/internal/store"
)

// RunSummary is the batch runner's report.
type RunSummary struct {
	RunID      string
	Status     string // completed, cancelled, timeout, failed
	Processed  int64
	Failed     int64
	Rejected   int64
	Duplicates int64
	Elapsed    time.Duration
}

// ErrRunCancelled is returned when the run's cancel flag was honored.
var ErrRunCancelled = errors.New("run cancelled")

// Run processes a batch under a registered scrape run: counters update as
// posts land, a heartbeat keeps the run visibly alive, the cancel flag is
// polled between posts, and a wall-clock timeout finishes the run with
// whatever was persisted so far. Per-post failures are counted and logged
// without stopping the batch.
func (p *Pipeline) Run(ctx context.Context, runID string, batchIndex, batchTotal int, posts []RawPost) (*RunSummary, error) {
	started := time.Now()
	if err := p.store.CreateRun(ctx, runID, batchIndex, batchTotal, int64(len(posts))); err != nil {
		return nil, fmt.Errorf("registering run: %w", err)
	}

	log := runlog.New(p.store, runID)
	defer log.Close()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go runlog.Heartbeat(hbCtx, p.store, runID, p.opts.HeartbeatInterval)

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if p.opts.RunTimeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, p.opts.RunTimeout)
		defer cancelTimeout()
	}

	summary := &RunSummary{RunID: runID, Status: "completed"}
	log.Log("run", "info", fmt.Sprintf("starting batch %d/%d with %d posts", batchIndex, batchTotal, len(posts)))

	var runErr error
loop:
	for i, raw := range posts {
		if i%p.opts.CancelPollEvery == 0 && i > 0 {
			cancelled, err := p.store.IsCancelRequested(runCtx, runID)
			if err == nil && cancelled {
				summary.Status = "cancelled"
				runErr = ErrRunCancelled
				break loop
			}
		}
		select {
		case <-runCtx.Done():
			if ctx.Err() == nil {
				summary.Status = "timeout"
			} else {
				summary.Status = "cancelled"
			}
			runErr = runCtx.Err()
			break loop
		default:
		}

		postStart := time.Now()
		out, err := p.ProcessPost(runCtx, raw, runID, log)
		if err != nil {
			summary.Failed++
			p.count(runID, store.CounterFailed)
			log.Log("run", "error", fmt.Sprintf("post %s failed: %v", raw.ExternalID, err))
			continue
		}

		summary.Processed++
		p.count(runID, store.CounterProcessed)
		switch {
		case out.Rejected:
			summary.Rejected++
			p.count(runID, store.CounterRejected)
		case out.Duplicate:
			summary.Duplicates++
			p.count(runID, store.CounterDuplicate)
		}
		log.LogDuration("run", "info", fmt.Sprintf("post %s done", raw.ExternalID), time.Since(postStart))
	}

	summary.Elapsed = time.Since(started)
	log.Log("run", "info", fmt.Sprintf("finishing with status %s: %d processed, %d rejected, %d duplicates, %d failed",
		summary.Status, summary.Processed, summary.Rejected, summary.Duplicates, summary.Failed))

	errMsg := ""
	if runErr != nil && !errors.Is(runErr, ErrRunCancelled) {
		errMsg = runErr.Error()
	}
	// Finishing uses the parent context: the timeout child may already be
	// done, and the terminal status must still land.
	if err := p.store.FinishRun(ctx, runID, summary.Status, errMsg); err != nil {
		return summary, fmt.Errorf("finishing run: %w", err)
	}
	return summary, nil
}

// count updates a run counter without letting a counter failure interrupt
// the batch.
func (p *Pipeline) count(runID string, c store.RunCounter) {
	_ = p.store.IncrementRunCounter(context.Background(), runID, c)
}
