package bus

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Publish and Subscribe after the bus is closed.
var ErrClosed = errors.New("bus is closed")

// MemoryBus is the in-process backend: each subscriber owns an unbounded
// FIFO queue, so a slow subscriber can never block publishers or its
// siblings. Delivery order per subscriber equals publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

// Publish copies the message to every current subscriber of topic.
func (b *MemoryBus) Publish(topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subs[topic]
	b.mu.RUnlock()
	for _, s := range subs {
		s.push(data)
	}
	return nil
}

// Subscribe registers a new subscriber queue on topic.
func (b *MemoryBus) Subscribe(topic string) (Subscription, error) {
	s := &memorySub{
		bus:    b,
		topic:  topic,
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*memorySub)
	b.closed = true
	return nil
}

func (b *MemoryBus) remove(topic string, target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

type memorySub struct {
	bus   *MemoryBus
	topic string

	mu    sync.Mutex
	queue [][]byte
	// notify has capacity 1: a pending signal means "queue may be
	// non-empty", so push never blocks.
	notify chan struct{}
}

func (s *memorySub) push(data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true
}

// Receive returns the next queued message, waiting up to timeout.
func (s *memorySub) Receive(timeout time.Duration) ([]byte, bool) {
	if data, ok := s.pop(); ok {
		return data, true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.notify:
			if data, ok := s.pop(); ok {
				return data, true
			}
		case <-deadline.C:
			return nil, false
		}
	}
}

// Unsubscribe removes this subscriber from the topic.
func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s.topic, s)
	return nil
}
