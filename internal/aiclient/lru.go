package aiclient

import (
	"container/list"
	"sync"
	"time"
)

// chatContext is the value owned by the LRU: an opaque handle to an
// AI-side conversation that accumulates tokens across calls. The core
// design explicitly calls out not relying on finalizers to reclaim
// these; eviction here is always explicit, on TTL or on capacity.
type chatContext struct {
	key        string
	session    chatSession // the provider-side handle, set when the entry is stored
	createdAt  time.Time
	lastUsedAt time.Time
}

// chatSession is the minimal provider-side shape the LRU needs to hold;
// it is satisfied by the genai-backed session in client.go.
type chatSession interface {
	Send(text string) (string, error)
}

// chatLRU is a bounded, TTL-evicting cache of chatContext, keyed by
// "principal:session-id". It mirrors the capacity-bounded eviction shape
// this codebase's memory package used for semantic-memory entries,
// generalized from a linear slice scan to a proper O(1) map+list LRU
// since chat contexts are looked up far more often than memories ever
// were appended.
type chatLRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

func newChatLRU(capacity int, ttl time.Duration) *chatLRU {
	return &chatLRU{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// get returns the cached context for key if present and not stale,
// moving it to most-recently-used. A stale entry is evicted on lookup.
func (c *chatLRU) get(key string) (*chatContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	cc := el.Value.(*chatContext)
	if c.ttl > 0 && c.now().Sub(cc.lastUsedAt) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return cc, true
}

// put inserts or replaces the context for key, evicting the
// least-recently-used entry if capacity is exceeded.
func (c *chatLRU) put(cc *chatContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[cc.key]; ok {
		el.Value = cc
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(cc)
	c.items[cc.key] = el

	if c.capacity > 0 {
		for c.ll.Len() > c.capacity {
			oldest := c.ll.Back()
			if oldest == nil {
				break
			}
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*chatContext).key)
		}
	}
}

func (c *chatLRU) touch(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*chatContext).lastUsedAt = now
		c.ll.MoveToFront(el)
	}
}

func (c *chatLRU) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
