package registry

import (
	"sync"
	"time"

	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// Subscriber receives a copy of every event recorded across all specs.
// Grounded on cuemby/warren's pkg/events.Broker subscriber-channel pattern,
// generalized here to sit on top of a durable JSONL journal instead of
// being the sole record of an event.
type Subscriber chan types.TaskEvent

// broker fans out recorded events to any in-process subscribers (e.g. the
// Dispatcher's EventRecorder) while storage durably appends them to disk.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

func newBroker() *broker {
	return &broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe returns a buffered channel of future events.
func (b *broker) Subscribe() Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.subscribers[ch] = true
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *broker) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	if b.subscribers[ch] {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broker) broadcast(ev types.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block event recording.
		}
	}
}

// recordEvent appends ev to the durable journal, falling back to the local
// fallback file on failure (spec §4.1, §7: "never blocks on registry write
// lock... journal failures trigger fallback logging and are recorded in
// operational metrics; they do not fail the originating state transition").
func (r *Registry) recordEvent(ev types.TaskEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := r.storage.appendEvent(ev); err != nil {
		log.WithSpecName(ev.SpecName).Warn().Err(err).
			Str("task_id", ev.TaskID).
			Str("event_type", string(ev.EventType)).
			Msg("event journal write failed, falling back")

		metrics.EventJournalFallbacksTotal.WithLabelValues(ev.SpecName).Inc()

		if fbErr := r.storage.appendFallback(ev); fbErr != nil {
			log.WithSpecName(ev.SpecName).Error().Err(fbErr).
				Msg("fallback event journal write also failed")
		}
	}

	r.broker.broadcast(ev)
}

// Subscribe exposes the in-memory event stream to external consumers (e.g.
// the Dispatcher, or an operator dashboard out of this core's scope).
func (r *Registry) Subscribe() Subscriber {
	return r.broker.Subscribe()
}

// Unsubscribe detaches a previously-subscribed channel.
func (r *Registry) Unsubscribe(ch Subscriber) {
	r.broker.Unsubscribe(ch)
}
