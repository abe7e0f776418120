package guardrail

import (
	"container/list"
	"sync"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

const cacheSweepInterval = 30 * time.Second

// decisionCache is the short-lived dedup cache for idempotent requests.
// Entries expire on read and a background sweep clears what nobody asks
// for again; a capacity bound with LRU eviction caps memory regardless.
type decisionCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	capacity int

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type cacheEntry struct {
	key      string
	decision *domain.Decision
	expires  time.Time
}

func newDecisionCache(capacity int) *decisionCache {
	c := &decisionCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *decisionCache) get(key string, now time.Time) (*domain.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.removeLocked(elem)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.decision, true
}

func (c *decisionCache) put(key string, d *domain.Decision, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := now.Add(d.TTL)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.decision = d
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, decision: d, expires: expires})
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

func (c *decisionCache) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *decisionCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if entry := elem.Value.(*cacheEntry); now.After(entry.expires) {
			c.removeLocked(elem)
		}
		elem = prev
	}
}

func (c *decisionCache) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}
