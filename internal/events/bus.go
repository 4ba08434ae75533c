package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/types"
)

// maxStrikes is how many consecutive dropped events a subscriber survives
// before it is evicted. A healthy subscriber resets the count on every
// delivered event.
const maxStrikes = 3

// DefaultBuffer is the per-subscriber channel depth used by most callers.
const DefaultBuffer = 64

type subscriber struct {
	ch      chan types.Event
	strikes int
}

// Bus fans events out to in-process subscribers. Publish never blocks: a
// subscriber that cannot keep up loses events, and after three consecutive
// losses it is evicted so one stalled consumer cannot pin memory.
type Bus struct {
	logger zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a new listener with the given channel depth. The
// returned cancel func is idempotent and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}
	metrics.BusSubscribers.Set(float64(len(b.subs)))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
				metrics.BusSubscribers.Set(float64(len(b.subs)))
			}
		})
	}
	return ch, cancel
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
			sub.strikes = 0
		default:
			sub.strikes++
			metrics.EventsDropped.Inc()
			if sub.strikes == 1 {
				b.logger.Warn().
					Int("subscriber", id).
					Str("event", string(evt.Type)).
					Msg("Subscriber buffer full, dropping event")
			}
			if sub.strikes >= maxStrikes {
				b.logger.Warn().
					Int("subscriber", id).
					Msg("Evicting slow subscriber")
				delete(b.subs, id)
				close(sub.ch)
			}
		}
	}
	metrics.BusSubscribers.Set(float64(len(b.subs)))
}

// Close evicts all subscribers and makes further publishes no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	metrics.BusSubscribers.Set(0)
}
