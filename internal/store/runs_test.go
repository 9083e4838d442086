package store

import (
	"context"
	"testing"
	"time"
)

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "run-1", 1, 3, 50); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// A second batch chunk of the same run only bumps the expected totals.
	if err := s.CreateRun(ctx, "run-1", 2, 3, 50); err != nil {
		t.Fatalf("CreateRun (chunk 2): %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementRunCounter(ctx, "run-1", CounterProcessed); err != nil {
			t.Fatalf("IncrementRunCounter: %v", err)
		}
	}
	if err := s.IncrementRunCounter(ctx, "run-1", CounterRejected); err != nil {
		t.Fatalf("IncrementRunCounter: %v", err)
	}
	if err := s.IncrementRunCounter(ctx, "run-1", CounterDuplicate); err != nil {
		t.Fatalf("IncrementRunCounter: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("status = %q, want running", run.Status)
	}
	if run.PostsTotal != 100 {
		t.Fatalf("PostsTotal = %d, want 100 after two chunks", run.PostsTotal)
	}
	if run.PostsProcessed != 3 || run.PostsRejected != 1 || run.Duplicates != 1 {
		t.Fatalf("counters = %d/%d/%d, want 3/1/1", run.PostsProcessed, run.PostsRejected, run.Duplicates)
	}

	if err := s.FinishRun(ctx, "run-1", "completed", ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "completed" || run.FinishedAt == nil {
		t.Fatalf("run not finished: %+v", run)
	}

	// Terminal transitions are compare-and-swap on status=running: a
	// finished run cannot be re-finished with a different status.
	if err := s.FinishRun(ctx, "run-1", "failed", "late failure"); err != nil {
		t.Fatalf("FinishRun on finished run: %v", err)
	}
	run, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "completed" || run.Error != "" {
		t.Fatalf("finished run was overwritten: %+v", run)
	}
}

func TestFinishRun_AcceptsTimeoutStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "run-t", 1, 1, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.FinishRun(ctx, "run-t", "timeout", "run timeout after 5m0s"); err != nil {
		t.Fatalf("FinishRun(timeout): %v", err)
	}
	run, err := s.GetRun(ctx, "run-t")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "timeout" || run.FinishedAt == nil {
		t.Fatalf("timed-out run not persisted as terminal: %+v", run)
	}
	if run.Error == "" {
		t.Fatal("expected the timeout reason recorded on the run")
	}
}

func TestFinishRun_RejectsInvalidStatus(t *testing.T) {
	s := openTestStore(t)
	if err := s.FinishRun(context.Background(), "run-x", "done", ""); err == nil {
		t.Fatal("expected error for invalid terminal status")
	}
}

func TestRequestCancel_SetsCooperativeFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "run-c", 1, 1, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	flag, err := s.IsCancelRequested(ctx, "run-c")
	if err != nil {
		t.Fatalf("IsCancelRequested: %v", err)
	}
	if flag {
		t.Fatal("fresh run must not be cancel-requested")
	}

	if err := s.RequestCancel(ctx, "run-c"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	flag, err = s.IsCancelRequested(ctx, "run-c")
	if err != nil {
		t.Fatalf("IsCancelRequested: %v", err)
	}
	if !flag {
		t.Fatal("cancel flag not set")
	}

	// Unknown runs read as not cancelled rather than erroring.
	flag, err = s.IsCancelRequested(ctx, "no-such-run")
	if err != nil || flag {
		t.Fatalf("unknown run: flag=%v err=%v", flag, err)
	}
}

func TestReclaimStuckRuns_FailsOnlyStaleHeartbeats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "run-live", 1, 1, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, "run-stale", 1, 1, 10); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Age the stale run's heartbeat past the reclaim window.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs SET heartbeat_at = ? WHERE id = 'run-stale'
	`, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("aging heartbeat: %v", err)
	}

	n, err := s.ReclaimStuckRuns(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStuckRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d runs, want 1", n)
	}

	stale, err := s.GetRun(ctx, "run-stale")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stale.Status != "failed" || stale.Error != "heartbeat timeout" {
		t.Fatalf("stale run = %+v, want failed with heartbeat timeout", stale)
	}

	live, err := s.GetRun(ctx, "run-live")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if live.Status != "running" {
		t.Fatalf("live run reclaimed: %+v", live)
	}
}
