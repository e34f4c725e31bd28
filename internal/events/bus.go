package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// subscriberBufferSize is the capacity of each subscriber's event channel.
// Generous enough that a reasonably responsive subscriber never drops an
// event under normal conditions.
const subscriberBufferSize = 64

// Bus fans public events out to subscribers over bounded channels. A
// subscriber that falls behind has events dropped rather than blocking the
// publisher — publishing happens on the mixer pump thread and must never
// stall waiting for a slow listener.
//
// High-frequency categories (BufferUnderrun, TrackDropout) are additionally
// rate-limited per-subscriber so a sustained underrun storm degrades to a
// steady trickle of events instead of saturating the channel and burying
// the one event that actually mattered.
type Bus struct {
	logger          *slog.Logger
	eventsPerSecond float64

	mu   sync.RWMutex
	subs map[int64]*subscriber
	next atomic.Int64

	dropped atomic.Uint64
}

type subscriber struct {
	ch      chan Event
	limiter *rate.Limiter
}

// New creates an event bus. eventsPerSecond bounds how many BufferUnderrun
// or TrackDropout events per second each subscriber receives; a value <= 0
// selects the default of 200 events per second.
func New(logger *slog.Logger, eventsPerSecond float64) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if eventsPerSecond <= 0 {
		eventsPerSecond = 200
	}
	return &Bus{
		logger:          logger.With("subsystem", "event-bus"),
		eventsPerSecond: eventsPerSecond,
		subs:            make(map[int64]*subscriber),
	}
}

// Subscribe registers a new listener and returns a receive-only channel of
// events plus an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := b.next.Add(1)
	sub := &subscriber{
		ch:      make(chan Event, subscriberBufferSize),
		limiter: rate.NewLimiter(rate.Limit(b.eventsPerSecond), int(b.eventsPerSecond)/4+1),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	// Publish sends only under the read lock, so closing here cannot race a
	// send; closing lets drain loops ranging over the channel terminate.
	close(sub.ch)
}

// Publish delivers an event to every subscriber, assigning it an ID if one
// isn't already set. Throttled categories that exceed their per-subscriber
// rate are silently dropped for that subscriber (but still delivered to
// others within their own budget).
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	throttled := ev.Kind == BufferUnderrun || ev.Kind == TrackDropout

	for _, sub := range b.subs {
		if throttled && !sub.limiter.Allow() {
			b.dropped.Add(1)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event bus subscriber full, event dropped",
				"kind", ev.Kind.String(),
			)
		}
	}
}

// Dropped returns the cumulative number of events dropped across all
// subscribers (full channel or rate-limit), for diagnostics.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
