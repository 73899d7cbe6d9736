// Package notify broadcasts job-update events so other actors (a UI list,
// another process) can refresh without polling.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event announces a local mutation. JobID is empty for bulk operations.
type Event struct {
	Kind   string    `json:"kind"`
	JobID  string    `json:"job_id,omitempty"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Event kinds.
const (
	KindJobUpdated = "job_updated"
	KindJobDeleted = "job_deleted"
	KindSyncFailed = "sync_failed"
	KindProgress   = "progress"
)

// Bus fans events out to in-process subscribers and, when connected, to a
// NATS subject for cross-process listeners.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	nc     *nats.Conn
	logger zerolog.Logger
}

const subjectPrefix = "scenes.jobs"

// NewBus creates an in-process bus. nc may be nil for local-only operation.
func NewBus(nc *nats.Conn, logger zerolog.Logger) *Bus {
	return &Bus{nc: nc, logger: logger.With().Str("component", "notify").Logger()}
}

// Subscribe returns a buffered channel of events. Slow subscribers drop
// events rather than blocking publishers.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe. Transient
// subscribers must call it or their channel stays registered for the life of
// the bus.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers an event to every subscriber and the NATS bridge.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	// Sends happen under the lock so Unsubscribe can safely close a channel;
	// they cannot block because every send has a default arm.
	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.nc == nil {
		return
	}
	subject := subjectPrefix
	if ev.JobID != "" {
		subject = fmt.Sprintf("%s.%s", subjectPrefix, ev.JobID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn().Err(err).Msg("marshal event")
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// JobUpdated is shorthand for the common mutation broadcast.
func (b *Bus) JobUpdated(jobID string) {
	b.Publish(Event{Kind: KindJobUpdated, JobID: jobID})
}
