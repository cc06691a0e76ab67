package logs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

const (
	// DefaultFlushInterval is how often buffered lines are persisted.
	DefaultFlushInterval = 2 * time.Second
	// DefaultMaxBatch forces a flush once this many lines are buffered.
	DefaultMaxBatch = 200
	// tailLines is how many recent lines are kept for summaries.
	tailLines = 100
)

// JobLogger is the io.Writer build output of one job is written to. Lines
// are timestamped on arrival, published to the broker immediately and
// persisted in batches. Every flush reports the time of the latest output
// through the touch callback.
type JobLogger struct {
	jobID  string
	store  store.LogStore
	broker *Broker
	touch  func(time.Time)
	logger *slog.Logger
	now    func() time.Time

	flushInterval time.Duration
	maxBatch      int

	mu       sync.Mutex
	partial  []byte
	pending  []*models.LogEntry
	tail     []string
	last     time.Time
	reported time.Time
	closed   bool

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

// NewJobLogger creates a JobLogger and starts its periodic flush. store,
// broker and touch may each be nil.
func NewJobLogger(jobID string, st store.LogStore, broker *Broker, touch func(time.Time), logger *slog.Logger) *JobLogger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &JobLogger{
		jobID:         jobID,
		store:         st,
		broker:        broker,
		touch:         touch,
		logger:        logger.With("component", "job_logger", "job_id", jobID),
		now:           time.Now,
		flushInterval: DefaultFlushInterval,
		maxBatch:      DefaultMaxBatch,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go l.loop()
	return l
}

func (l *JobLogger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.Flush(context.Background()); err != nil {
				l.logger.Warn("flushing build output failed", "error", err)
			}
		}
	}
}

// Write splits p into lines. A trailing partial line is held until it is
// completed or the logger is closed.
func (l *JobLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, fmt.Errorf("job logger %s is closed", l.jobID)
	}

	data := append(l.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	l.partial = append([]byte(nil), data...)
	entries := l.appendLocked(lines)
	full := len(l.pending) >= l.maxBatch
	l.mu.Unlock()

	if l.broker != nil && len(entries) > 0 {
		l.broker.Publish(entries...)
	}
	if full {
		if err := l.Flush(context.Background()); err != nil {
			l.logger.Warn("flushing build output failed", "error", err)
		}
	}
	return len(p), nil
}

// Printf writes one formatted line.
func (l *JobLogger) Printf(format string, args ...any) {
	fmt.Fprintf(l, strings.TrimSuffix(format, "\n")+"\n", args...)
}

func (l *JobLogger) appendLocked(lines []string) []*models.LogEntry {
	if len(lines) == 0 {
		return nil
	}
	now := l.now()
	entries := make([]*models.LogEntry, 0, len(lines))
	for _, line := range lines {
		e := &models.LogEntry{ID: uuid.NewString(), JobID: l.jobID, Line: line, Timestamp: now}
		entries = append(entries, e)
		l.pending = append(l.pending, e)
		l.tail = append(l.tail, line)
	}
	if over := len(l.tail) - tailLines; over > 0 {
		l.tail = append(l.tail[:0], l.tail[over:]...)
	}
	l.last = now
	return entries
}

// Flush persists buffered lines and reports the latest output time.
func (l *JobLogger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	last := l.last
	report := last.After(l.reported)
	l.reported = last
	l.mu.Unlock()

	if len(batch) > 0 && l.store != nil {
		if err := l.store.Append(ctx, batch); err != nil {
			l.mu.Lock()
			l.pending = append(batch, l.pending...)
			l.mu.Unlock()
			return fmt.Errorf("persisting %d log lines: %w", len(batch), err)
		}
	}
	if report && l.touch != nil {
		l.touch(last)
	}
	return nil
}

// Close completes a pending partial line, stops the periodic flush and
// persists everything still buffered.
func (l *JobLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var entries []*models.LogEntry
	if len(l.partial) > 0 {
		entries = l.appendLocked([]string{strings.TrimRight(string(l.partial), "\r")})
		l.partial = nil
	}
	l.mu.Unlock()

	if l.broker != nil && len(entries) > 0 {
		l.broker.Publish(entries...)
	}
	close(l.stop)
	<-l.done
	return l.Flush(context.Background())
}

// Tail returns up to the last n lines written.
func (l *JobLogger) Tail(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	return append([]string(nil), l.tail[len(l.tail)-n:]...)
}

// LastOutput returns the time of the latest line, zero before any output.
func (l *JobLogger) LastOutput() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
