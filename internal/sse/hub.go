// Package sse fans out server-sent events to per-user subscribers.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Event is one server-sent event. Data is JSON encoded.
type Event struct {
	Type string
	Data any
}

func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	name := e.Type
	if name == "" {
		name = "message"
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)), nil
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

func key(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

// Subscribe registers a buffered channel for user. The returned func
// unregisters and closes it.
func (h *Hub) Subscribe(user string) (<-chan []byte, func()) {
	k := key(user)
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[k]; !ok {
		h.subs[k] = make(map[chan []byte]struct{})
	}
	h.subs[k][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[k]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, k)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers event to every subscriber of the given users. Slow
// subscribers drop events rather than block the publisher.
func (h *Hub) Publish(users []string, event Event) error {
	if len(users) == 0 {
		return nil
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	unique := map[string]struct{}{}
	for _, user := range users {
		if k := key(user); k != "" {
			unique[k] = struct{}{}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for k := range unique {
		for ch := range h.subs[k] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (h *Hub) Subscribers(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key(user)])
}
