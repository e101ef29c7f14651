// ABOUTME: TTL cache of realtime frame IDs already applied to local state
// ABOUTME: The channel delivers at least once; this keeps replays from double-applying

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type seenFrame struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers which frame IDs have been applied. Entries expire after
// the TTL and the oldest entry is evicted once the cache is full, so memory
// stays bounded no matter how chatty the channel gets.
type Cache struct {
	mu      sync.Mutex
	frames  map[string]*seenFrame
	order   *list.List // frame IDs oldest first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background sweeper drops expired entries; expired
// IDs are also treated as unseen on lookup, so correctness never depends on
// sweep timing.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		frames:  make(map[string]*seenFrame),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark reports whether id was already applied, marking it when new.
// Check and mark share one critical section, so two deliveries of the same
// frame can never both come back fresh.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.frames[id]; ok && time.Since(entry.at) < c.ttl {
		entry.at = time.Now()
		c.order.MoveToBack(entry.elem)
		return true
	}

	c.markLocked(id)
	return false
}

// Len returns the number of remembered frame IDs, expired ones included
// until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *Cache) markLocked(id string) {
	if entry, ok := c.frames[id]; ok {
		entry.at = time.Now()
		c.order.MoveToBack(entry.elem)
		return
	}

	for len(c.frames) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		evicted := front.Value.(string)
		c.order.Remove(front)
		delete(c.frames, evicted)
	}

	c.frames[id] = &seenFrame{
		at:   time.Now(),
		elem: c.order.PushBack(id),
	}
}

func (c *Cache) sweep() {
	every := c.ttl / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.dropExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) dropExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.frames {
		if now.Sub(entry.at) > c.ttl {
			c.order.Remove(entry.elem)
			delete(c.frames, id)
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
