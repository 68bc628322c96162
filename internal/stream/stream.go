package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the marketplace events published on the feed.
type EventKind string

const (
	SubmissionCreated   EventKind = "submission.created"
	SubmissionDecided   EventKind = "submission.decided"
	WithdrawalRequested EventKind = "withdrawal.requested"
	WithdrawalPaid      EventKind = "withdrawal.paid"
)

// Event describes one marketplace state change for live consumers.
type Event struct {
	Kind      EventKind       `json:"kind"`
	EntityID  string          `json:"entity_id"`
	ActorID   string          `json:"actor_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Outcome   string          `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

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

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
