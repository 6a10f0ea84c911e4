// Package report keeps the summary of the latest collection cycle and
// fans it out to live subscribers.
package report

import (
	"sync"
	"time"
)

// Cycle summarises one collection cycle.
type Cycle struct {
	ID             string    `json:"id"`
	Started        time.Time `json:"started"`
	DurationMS     float64   `json:"duration_ms"`
	Connected      bool      `json:"connected"`
	Devices        []Device  `json:"devices"`
	Writes         int       `json:"writes"`
	FetchFailures  int       `json:"fetch_failures"`
	DroppedSamples int       `json:"dropped_samples"`
}

// Device describes a device polled during a cycle. Card is empty when the
// model code could not be resolved.
type Device struct {
	Name  string `json:"name"`
	UUID  string `json:"uuid"`
	Model string `json:"model"`
	Card  string `json:"card,omitempty"`
}

// Hub caches the latest cycle and broadcasts new ones.
type Hub struct {
	mu          sync.RWMutex
	latest      Cycle
	hasLatest   bool
	subscribers map[*subscriber]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish stores c as the latest cycle and delivers it to subscribers.
// Slow subscribers lose their oldest undelivered cycle.
func (h *Hub) Publish(c Cycle) {
	h.mu.Lock()
	h.latest = c
	h.hasLatest = true

	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.send(c)
	}
}

// Latest returns the most recent cycle, if any completed.
func (h *Hub) Latest() (Cycle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasLatest
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Cycle, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := newSubscriber()
	h.subscribers[sub] = struct{}{}

	return sub.channel(), func() {
		h.removeSubscriber(sub)
	}
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan Cycle
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Cycle, 1),
	}
}

func (s *subscriber) channel() <-chan Cycle {
	return s.ch
}

func (s *subscriber) send(c Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- c:
		return
	default:
		// Drop oldest to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
