// Package runlog provides the append-only structured run log and the run
// heartbeat.
//
// The logger is a non-blocking sink: entries go through a buffered channel
// to a single writer goroutine, and a full buffer drops the entry rather
// than back-pressuring the pipeline. A failed write never aborts
// processing either; it degrades to a stderr warning.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

// DefaultBufferSize is the channel depth before entries start dropping.
const DefaultBufferSize = 256

// Logger is the per-run structured log sink.
type Logger struct {
	store   *store.Store
	runID   string
	entries chan *store.RunLogEntry
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// New starts a logger for one run. Close it to flush the buffer.
func New(s *store.Store, runID string) *Logger {
	l := &Logger{
		store:   s,
		runID:   runID,
		entries: make(chan *store.RunLogEntry, DefaultBufferSize),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for e := range l.entries {
		// Writes happen off the pipeline goroutine; a failure is logged to
		// stderr and otherwise ignored.
		if err := l.store.AppendRunLog(context.Background(), e); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: run log write failed: %v\n", err)
		}
	}
	close(l.done)
}

// Log enqueues one entry. Never blocks: a full buffer drops the entry.
func (l *Logger) Log(stage, level, message string) {
	l.enqueue(&store.RunLogEntry{RunID: l.runID, Stage: stage, Level: level, Message: message})
}

// LogDuration enqueues an entry with a duration.
func (l *Logger) LogDuration(stage, level, message string, d time.Duration) {
	ms := d.Milliseconds()
	l.enqueue(&store.RunLogEntry{RunID: l.runID, Stage: stage, Level: level, Message: message, DurationMS: &ms})
}

// LogPayload enqueues an entry with a JSON payload. Marshal failures drop
// the payload, not the entry.
func (l *Logger) LogPayload(stage, level, message string, payload interface{}) {
	e := &store.RunLogEntry{RunID: l.runID, Stage: stage, Level: level, Message: message}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			e.Payload = string(b)
		}
	}
	l.enqueue(e)
}

// enqueue holds the mutex across the send so Close cannot close the
// channel between the closed check and the send.
func (l *Logger) enqueue(e *store.RunLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.entries <- e:
	default:
		l.dropped++
	}
}

// Dropped reports how many entries were discarded on a full buffer.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops accepting entries and flushes the buffer.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	<-l.done
}

// Heartbeat periodically refreshes the run's liveness timestamp until the
// context is cancelled. Updates are best-effort and never block
// correctness; an external monitor reclaims runs whose heartbeat goes
// stale past its timeout.
func Heartbeat(ctx context.Context, s *store.Store, runID string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Heartbeat(ctx, runID); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: heartbeat update failed: %v\n", err)
			}
		}
	}
}
