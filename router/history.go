package router

import (
	"container/list"
	"sync"
	"time"
)

// historyEntry records what was decided for one request so delayed outcomes
// and trajectory feedback can be credited to the right arm with the context
// vector the decision was made under.
type historyEntry struct {
	requestID  string
	armID      string
	provider   string
	tenantID   string
	workspace  string
	contextVec []float64
	decidedAt  time.Time
}

// routingHistory is a bounded FIFO index of recent decisions. When full, the
// oldest entry is evicted; feedback for an evicted request is unmatched and
// dropped by the consumer.
type routingHistory struct {
	mu       sync.Mutex
	capacity int

	entries map[string]*list.Element
	order   *list.List
}

func newRoutingHistory(capacity int) *routingHistory {
	return &routingHistory{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (h *routingHistory) add(entry historyEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if elem, ok := h.entries[entry.requestID]; ok {
		elem.Value = &entry
		return
	}

	elem := h.order.PushFront(&entry)
	h.entries[entry.requestID] = elem

	if h.order.Len() > h.capacity {
		oldest := h.order.Back()
		if oldest != nil {
			h.order.Remove(oldest)
			delete(h.entries, oldest.Value.(*historyEntry).requestID)
		}
	}
}

func (h *routingHistory) lookup(requestID string) (historyEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	elem, ok := h.entries[requestID]
	if !ok {
		return historyEntry{}, false
	}

	return *elem.Value.(*historyEntry), true
}
