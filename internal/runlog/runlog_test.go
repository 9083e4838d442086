package runlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogger_WritesAndFlushesOnClose(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "run-log", 1, 1, 3); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	l := New(s, "run-log")
	l.Log("prefilter", "info", "post accepted")
	l.LogDuration("extract", "info", "regex pass", 42*time.Millisecond)
	l.LogPayload("venue", "warn", "fuzzy match", map[string]string{"venue": "Circut Makati"})
	l.Close()

	entries, err := s.ListRunLogs(ctx, "run-log", 10)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Stage != "prefilter" || entries[2].Stage != "venue" {
		t.Fatalf("entries out of insertion order: %+v", entries)
	}
	if entries[1].DurationMS == nil || *entries[1].DurationMS != 42 {
		t.Fatalf("DurationMS = %v, want 42", entries[1].DurationMS)
	}
	if entries[2].Payload == "" || entries[2].Level != "warn" {
		t.Fatalf("payload entry = %+v", entries[2])
	}
	if l.Dropped() != 0 {
		t.Fatalf("Dropped = %d, want 0", l.Dropped())
	}
}

func TestLogger_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	// No writer goroutine: the buffer fills and stays full, so every
	// enqueue past capacity must drop immediately.
	l := &Logger{
		runID:   "run-x",
		entries: make(chan *store.RunLogEntry, 1),
		done:    make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			l.Log("stage", "info", "msg")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full buffer")
	}
	if got := l.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestLogger_CloseIsIdempotentAndStopsIntake(t *testing.T) {
	s := openStore(t)
	l := New(s, "run-closed")
	l.Close()
	l.Close()

	// Logging after close is a silent no-op, not a panic on a closed channel.
	l.Log("stage", "info", "late entry")

	entries, err := s.ListRunLogs(context.Background(), "run-closed", 10)
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after close = %d, want 0", len(entries))
	}
}

func TestLogger_ConcurrentLogAndCloseDoesNotPanic(t *testing.T) {
	s := openStore(t)

	// Close must never close the channel between a logger's closed check
	// and its send; racing the two repeatedly would panic if it could.
	for i := 0; i < 25; i++ {
		l := New(s, "run-race")
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Log("stage", "info", "entry")
			}
		}()
		l.Close()
		wg.Wait()
	}
}

func TestHeartbeat_RefreshesUntilCancelled(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "run-hb", 1, 1, 1); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Age the heartbeat so any refresh is observable.
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE scrape_runs SET heartbeat_at = ? WHERE id = 'run-hb'
	`, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("aging heartbeat: %v", err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Heartbeat(hbCtx, s, "run-hb", 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		run, err := s.GetRun(ctx, "run-hb")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if time.Since(run.HeartbeatAt) < time.Minute {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never refreshed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Heartbeat did not stop on context cancel")
	}
}
