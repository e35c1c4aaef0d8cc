// Package events is a small keyed publish/subscribe hub. Each topic can have
// any number of subscribers; delivery never blocks the publisher.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

// DefaultBuffer is the per-subscription channel capacity
const DefaultBuffer = 64

// Bus delivers values of type T to subscribers of a topic
type Bus[T any] struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription[T]
	buffer int
	log    *logger.Logger
}

// Subscription is one listener on a topic. C is closed by Unsubscribe.
type Subscription[T any] struct {
	ID    string
	Topic string
	C     <-chan T

	ch   chan T
	bus  *Bus[T]
	once sync.Once
}

// NewBus creates a bus. A buffer below one uses DefaultBuffer.
func NewBus[T any](buffer int, log *logger.Logger) *Bus[T] {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.Get()
	}
	return &Bus[T]{
		topics: make(map[string]map[string]*Subscription[T]),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new listener on topic
func (b *Bus[T]) Subscribe(topic string) *Subscription[T] {
	ch := make(chan T, b.buffer)
	sub := &Subscription[T]{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription[T])
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// Publish hands v to every subscriber of topic and returns how many received
// it. A subscriber whose buffer is full misses the value.
func (b *Bus[T]) Publish(topic string, v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var delivered, dropped int
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- v:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.Warn("Dropped event for slow subscribers", map[string]interface{}{
			"topic":     topic,
			"dropped":   dropped,
			"delivered": delivered,
		})
	}
	return delivered
}

// PublishLatest is Publish for state snapshots. A subscriber whose buffer is
// full loses its oldest pending value instead of v, so the last value
// published is always the last one it reads.
func (b *Bus[T]) PublishLatest(topic string, v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var delivered, dropped int
	for _, sub := range b.topics[topic] {
		if offerLatest(sub.ch, v) {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		b.log.Warn("Dropped event for slow subscribers", map[string]interface{}{
			"topic":     topic,
			"dropped":   dropped,
			"delivered": delivered,
		})
	}
	return delivered
}

// offerLatest sends v, evicting one pending value if ch is full. It only
// fails when another publisher refills ch in between.
func offerLatest[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of listeners on topic
func (b *Bus[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close unsubscribes every listener
func (b *Bus[T]) Close() {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]map[string]*Subscription[T])
	b.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

// Unsubscribe removes the listener and closes its channel. It is safe to
// call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if subs, ok := b.topics[s.Topic]; ok {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(b.topics, s.Topic)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}
