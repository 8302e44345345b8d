// Package events implements the bounded in-memory pub/sub fabric that
// connects the control plane to streaming observers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"speedwatch/internal/models"
)

const (
	// Hard cap on concurrently registered subscribers.
	maxSubscribers = 20
	// Per-subscriber queue depth; a consumer this far behind is torn down.
	queueSize = 64
	// A stream with no events for this long is terminated with an error.
	defaultIdleTimeout = 5 * time.Minute
)

// Bus fans events out to registered subscribers without ever blocking a
// publisher. A single last-event buffer lets a newly attached subscriber
// see current state immediately; it is cleared on terminal events so a
// finished stream is never replayed.
type Bus struct {
	mu          sync.Mutex
	subs        map[int]chan models.Event
	nextID      int
	lastEvent   *models.Event
	idleTimeout time.Duration
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:        make(map[int]chan models.Event),
		idleTimeout: defaultIdleTimeout,
	}
}

// Publish delivers the event to every registered subscriber queue without
// blocking. A subscriber whose queue is full is torn down; its stream ends
// with a synthetic error event.
func (b *Bus) Publish(event models.Event) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Terminal() {
		b.lastEvent = nil
	} else {
		buffered := event
		b.lastEvent = &buffered
	}

	for id, q := range b.subs {
		select {
		case q <- event:
		default:
			slog.Warn("event subscriber too slow, dropping", "id", id, "type", event.Type)
			delete(b.subs, id)
			close(q)
		}
	}
}

// Subscribe registers a new subscriber and returns its event stream. The
// stream replays the buffered last event if one exists, then delivers
// events until a terminal complete/error event, the idle timeout, queue
// teardown, or context cancellation; the channel is always closed and the
// registration always released, whichever way the stream ends. Once the
// subscriber cap is reached the returned stream carries a single error
// event and nothing else.
func (b *Bus) Subscribe(ctx context.Context) <-chan models.Event {
	out := make(chan models.Event, queueSize)

	b.mu.Lock()
	if len(b.subs) >= maxSubscribers {
		b.mu.Unlock()
		out <- models.NewEvent(models.EventError, map[string]any{
			"error": "too many subscribers",
		})
		close(out)
		return out
	}
	id := b.nextID
	b.nextID++
	q := make(chan models.Event, queueSize)
	b.subs[id] = q
	last := b.lastEvent
	b.mu.Unlock()

	go b.pump(ctx, id, q, out, last)
	return out
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// remove releases a registration. Safe to call after the publisher has
// already torn the queue down.
func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(q)
	}
}

func (b *Bus) pump(ctx context.Context, id int, q chan models.Event, out chan<- models.Event, last *models.Event) {
	defer close(out)
	defer b.remove(id)

	idle := time.NewTimer(b.idleTimeout)
	defer idle.Stop()

	if last != nil {
		if !deliver(ctx, out, *last) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			deliver(ctx, out, models.NewEvent(models.EventError, map[string]any{
				"error": "stream idle timeout",
			}))
			return
		case event, ok := <-q:
			if !ok {
				// Torn down by the publisher for falling behind.
				deliver(ctx, out, models.NewEvent(models.EventError, map[string]any{
					"error": "subscriber queue overflow",
				}))
				return
			}
			if !deliver(ctx, out, event) {
				return
			}
			if event.Terminal() {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.idleTimeout)
		}
	}
}

func deliver(ctx context.Context, out chan<- models.Event, event models.Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
