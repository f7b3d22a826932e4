// Package sse fans proxy events out to Server-Sent Events subscribers.
package sse

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
)

// Message is one server-sent event. Tag is a short classifier subscribers
// can filter on; request events carry their cache status there.
type Message struct {
	ID    uint64
	Event string
	Tag   string
	Data  []byte
}

// Filter selects the messages a subscriber receives. Empty fields match
// everything.
type Filter struct {
	Events []string
	Tags   []string
}

func (f Filter) match(m Message) bool {
	if len(f.Events) > 0 && !slices.Contains(f.Events, m.Event) {
		return false
	}
	return len(f.Tags) == 0 || slices.Contains(f.Tags, m.Tag)
}

// Stats reports hub activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

type subscriber struct {
	ch     chan Message
	filter Filter
}

// Hub delivers published events to every matching subscriber without ever
// blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// PublishJSON marshals v and sends it as event with the given tag.
func (h *Hub) PublishJSON(event, tag string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Send(Message{Event: event, Tag: tag, Data: b})
	return nil
}

// Send assigns msg the next id and offers it to every matching subscriber.
// A subscriber whose buffer is full misses the message.
func (h *Hub) Send(msg Message) {
	msg.ID = h.seq.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(msg) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Subscribers(),
		Published:   h.seq.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Subscribe registers a subscriber with room for buf pending messages. The
// returned channel is closed once ctx is done.
func (h *Hub) Subscribe(ctx context.Context, buf int, f Filter) <-chan Message {
	if buf <= 0 {
		buf = 1
	}
	s := &subscriber{ch: make(chan Message, buf), filter: f}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Send holds the read lock while offering, so closing under the
		// write lock never races a send.
		h.mu.Lock()
		delete(h.subs, s)
		close(s.ch)
		h.mu.Unlock()
	}()
	return s.ch
}
