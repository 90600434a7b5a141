package service

import (
	"sync"

	"github.com/ahkfinance/devicelock/internal/model"
)

const subBuffer = 16

// Hub fans device document changes out to in-process watchers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Fields]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan model.Fields]struct{}{}}
}

// Subscribe returns a channel of documents for id and a cancel func.
func (h *Hub) Subscribe(id string) (<-chan model.Fields, func()) {
	ch := make(chan model.Fields, subBuffer)
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = map[chan model.Fields]struct{}{}
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[id], ch)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers doc to every watcher of id. A watcher that fell behind
// loses its oldest pending document, never the newest.
func (h *Hub) Publish(id string, doc model.Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[id] {
		select {
		case ch <- doc:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- doc:
			default:
			}
		}
	}
}

// Watchers returns the number of watchers of id.
func (h *Hub) Watchers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
