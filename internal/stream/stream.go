package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pharmatrack.org/internal/domain"
	"pharmatrack.org/internal/obs"
)

const defaultBuffer = 16

// ChangeEvent announces a committed mutation.
type ChangeEvent struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Action     domain.AuditAction `json:"action"`
	ActorID    string             `json:"actor_id"`
	At         time.Time          `json:"at"`
}

// Stream fan-outs change events to all active subscribers (cache invalidator, SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan ChangeEvent
	queues  map[int]*queue
	next    int
	dropped atomic.Int64
}

// queue buffers events for a lossless subscriber without bounding Publish.
type queue struct {
	mu      sync.Mutex
	pending []ChangeEvent
	wake    chan struct{}
}

func (q *queue) push(evt ChangeEvent) {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) take() []ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan ChangeEvent), queues: make(map[int]*queue)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends. buffer <= 0 uses the default.
func (s *Stream) Subscribe(ctx context.Context, buffer int) <-chan ChangeEvent {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan ChangeEvent, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers without blocking.
func (s *Stream) Publish(evt ChangeEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
			obs.ChangeEventsDropped.Inc()
		}
	}
	for _, q := range s.queues {
		q.push(evt)
	}
}

// SubscribeLossless registers a subscriber that receives every event in
// publish order. Publish never blocks on it; events queue until the
// subscriber reads them. The channel is closed when ctx ends.
func (s *Stream) SubscribeLossless(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent)
	q := &queue{wake: make(chan struct{}, 1)}

	s.mu.Lock()
	id := s.next
	s.next++
	s.queues[id] = q
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.queues, id)
			s.mu.Unlock()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			for _, evt := range q.take() {
				select {
				case ch <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}

// Dropped returns how many deliveries were skipped.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Subscribers returns the number of active subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs) + len(s.queues)
}
