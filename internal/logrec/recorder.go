// Package logrec persists request log rows off the hot path. Entries are
// queued on a bounded channel and written by one background goroutine so a
// slow store never stalls a response.
package logrec

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gproxy/gproxy/internal/store"
	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	queueDepth   = 1024
	writeTimeout = 5 * time.Second
)

// Recorder buffers log entries and writes them asynchronously. Exactly one
// Emit per request is the orchestrator's contract; the recorder's contract
// is that every accepted entry is written or counted as dropped, never
// silently lost.
type Recorder struct {
	store store.LogStore

	queue   chan *models.LogEntry
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

func New(s store.LogStore) *Recorder {
	r := &Recorder{
		store: s,
		queue: make(chan *models.LogEntry, queueDepth),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Emit queues one entry. Assigns ID and CreatedAt when the caller left them
// empty. Drops (with a warning) when the queue is full rather than blocking
// the response path.
func (r *Recorder) Emit(entry *models.LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- entry:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		log.Warn().Int64("dropped_total", n).Str("tenant_key_id", entry.TenantKeyID).
			Msg("Log queue full, dropping entry")
	}
}

// Dropped reports how many entries were lost to backpressure.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	for entry := range r.queue {
		r.write(entry)
	}
	close(r.done)
}

func (r *Recorder) write(entry *models.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("log_id", entry.ID).Msg("Failed to persist log entry")
	}
}

// Close stops accepting entries, drains the queue, and returns once every
// queued entry has been written. Safe to call more than once.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
}
