package monitor

import (
	"sort"
	"sync"
	"sync/atomic"

	"PositionLedger/internal/observability"
)

// DefaultSubscriberQueue is the per-subscriber buffer size.
const DefaultSubscriberQueue = 256

// Hub fans messages out to subscribers. Publish never blocks: a full
// subscriber queue drops its oldest message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      atomic.Uint64
	metrics     *observability.Metrics
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		subscribers: make(map[uint64]*Subscriber),
		metrics:     metrics,
	}
}

// Subscriber is one consumer of the push feed.
type Subscriber struct {
	id      uint64
	hub     *Hub
	mu      sync.Mutex // guards queue pushes, symbols and closed
	queue   chan Message
	symbols map[string]struct{}
	closed  bool
	dropped atomic.Uint64
}

// Subscribe registers a subscriber with a queue of the given capacity.
// An empty symbol filter receives every symbol.
func (h *Hub) Subscribe(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultSubscriberQueue
	}
	s := &Subscriber{
		id:      h.nextID.Add(1),
		hub:     h,
		queue:   make(chan Message, capacity),
		symbols: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.subscribers[s.id] = s
	n := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
	return s
}

// Unsubscribe removes s from the fan-out set and closes its queue.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s.id]
	delete(h.subscribers, s.id)
	n := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
}

// Publish delivers msg to every subscriber interested in its symbol.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subscribers {
		if s.push(msg) && h.metrics != nil {
			h.metrics.SubscriberDrops.WithLabelValues(msg.Type).Inc()
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// C returns the subscriber's queue. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Message {
	return s.queue
}

// Subscribe adds symbols to the filter.
func (s *Subscriber) Subscribe(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
}

// Unsubscribe removes symbols from the filter. Removing every symbol
// returns the subscriber to receiving all symbols.
func (s *Subscriber) Unsubscribe(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
}

// Symbols returns the current filter, sorted.
func (s *Subscriber) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Dropped returns how many messages were discarded for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// push enqueues msg, evicting the oldest message when full. It reports
// whether a message was dropped.
func (s *Subscriber) push(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if len(s.symbols) > 0 && msg.Symbol != "" {
		if _, ok := s.symbols[msg.Symbol]; !ok {
			return false
		}
	}

	select {
	case s.queue <- msg:
		return false
	default:
	}

	// full: evict oldest, then retry once
	select {
	case <-s.queue:
	default:
	}
	s.dropped.Add(1)

	select {
	case s.queue <- msg:
	default:
	}
	return true
}
