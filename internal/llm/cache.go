package llm

import (
	"container/list"
	"sync"
	"time"
)

// embedCache is a TTL-bounded LRU for embedding vectors, keyed by
// (model, text). Repeated expansions of the same query hit this instead of
// the upstream API.
type embedCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key     string
	vec     []float64
	expires time.Time
}

func newEmbedCache(max int, ttl time.Duration) *embedCache {
	if max <= 0 {
		max = 2048
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &embedCache{
		max:   max,
		ttl:   ttl,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *embedCache) get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if time.Now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.vec, true
}

func (c *embedCache) put(key string, vec []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.vec = vec
		ent.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, vec: vec, expires: time.Now().Add(c.ttl)})
	c.items[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
