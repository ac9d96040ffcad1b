package monitor

import (
	"container/list"
	"sync"
	"time"
)

// dedup is a size- and age-bounded set of signatures shared by all stream
// loops, so the same create seen on two sockets is emitted once.
type dedup struct {
	mu      sync.Mutex
	order   *list.List // front = oldest
	entries map[string]*list.Element
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type dedupEntry struct {
	key  string
	seen time.Time
}

func newDedup(maxSize int, ttl time.Duration) *dedup {
	return &dedup{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add records the key and reports whether it was new.
func (d *dedup) Add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[key]; ok {
		return false
	}
	el := d.order.PushBack(&dedupEntry{key: key, seen: d.now()})
	d.entries[key] = el
	for d.order.Len() > d.maxSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(*dedupEntry).key)
	}
	return true
}

// Cleanup evicts entries older than the TTL.
func (d *dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.ttl)
	for {
		front := d.order.Front()
		if front == nil || front.Value.(*dedupEntry).seen.After(cutoff) {
			return
		}
		d.order.Remove(front)
		delete(d.entries, front.Value.(*dedupEntry).key)
	}
}

func (d *dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
