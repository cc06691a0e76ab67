// Package logs captures build output: it timestamps and buffers lines,
// persists them incrementally and fans them out to live subscribers.
package logs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// subscriberBuffer is the channel capacity of each subscriber.
const subscriberBuffer = 256

// Subscriber receives the live output of one job, or of every job when
// JobID is empty.
type Subscriber struct {
	ID        string
	JobID     string
	Ch        chan *models.LogEntry
	CreatedAt time.Time
}

// Broker fans log entries out to subscribers. Slow subscribers lose
// entries rather than blocking builds.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new log broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("component", "log_broker"),
	}
}

// Subscribe registers a subscriber for jobID.
func (b *Broker) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Ch:        make(chan *models.LogEntry, subscriberBuffer),
		CreatedAt: time.Now(),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "job_id", jobID)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; ok {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends entries to every matching subscriber.
func (b *Broker) Publish(entries ...*models.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		for _, sub := range b.subscribers {
			if sub.JobID != "" && sub.JobID != entry.JobID {
				continue
			}
			select {
			case sub.Ch <- entry:
			default:
				b.logger.Warn("subscriber channel full, dropping log entry",
					"subscriber_id", sub.ID, "job_id", entry.JobID)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
