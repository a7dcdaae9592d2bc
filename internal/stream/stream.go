package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds published by the sale core.
const (
	KindPurchase     = "purchase"
	KindClaim        = "claim"
	KindDistribution = "distribution"
	KindWithdrawal   = "withdrawal"
)

// Event describes one settled sale-core operation for live subscribers.
// Amount is a decimal string: base-unit values do not fit in JSON numbers.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Identity  string    `json:"identity"`
	Pool      string    `json:"pool,omitempty"`
	Method    string    `json:"method,omitempty"`
	PlanID    uint64    `json:"plan_id,omitempty"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs sale events to all active subscribers (SSE clients).
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
