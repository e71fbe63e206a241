package router

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// decisionCache is a bounded LRU of recent routing decisions with a TTL.
// Eviction removes the least-recently-used entry; expired entries are
// dropped lazily on lookup.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    func() time.Time

	entries map[string]*list.Element
	// order keeps the most recently used entry at the front.
	order *list.List
}

type cacheEntry struct {
	key      string
	decision Decision
	storedAt time.Time
}

func newDecisionCache(capacity int, ttl time.Duration, clock func() time.Time) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *decisionCache) get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}

	entry := elem.Value.(*cacheEntry)

	if c.clock().Sub(entry.storedAt) >= c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)

		return Decision{}, false
	}

	c.order.MoveToFront(elem)

	return entry.decision, true
}

func (c *decisionCache) put(key string, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.decision = decision
		entry.storedAt = c.clock()
		c.order.MoveToFront(elem)

		return
	}

	elem := c.order.PushFront(&cacheEntry{key: key, decision: decision, storedAt: c.clock()})
	c.entries[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// cacheKey hashes the request fields that determine a routing decision.
// RequestID is deliberately excluded so identical requests share an entry.
func cacheKey(req Request) string {
	h := fnv.New64a()

	fmt.Fprintf(h, "%s|%s|", req.TenantID, req.WorkspaceID)
	fmt.Fprintf(h, "%v|%v|%v|%v|%v|",
		req.Constraints.MinQuality,
		req.Constraints.MaxCost,
		req.Constraints.MaxLatency,
		req.Constraints.MinimizeCost,
		req.Constraints.MinimizeLatency,
	)

	for _, f := range req.PromptFeatures {
		fmt.Fprintf(h, "%v,", f)
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
