package ingestion

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// BatchDedup is an LRU cache of recently processed carrier batch payloads.
// JetStream redelivers messages that were consumed but not acked in time, so
// the subscriber checks here before handing a batch to the tracker.
// Thread-safe; consume handlers run concurrently.
type BatchDedup struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type dedupEntry struct {
	key string
}

func NewBatchDedup(capacity int) *BatchDedup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &BatchDedup{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Key derives a dedup key from a raw message payload.
func (d *BatchDedup) Key(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seen reports whether the key was processed recently, promoting it on hit.
func (d *BatchDedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem, exists := d.cache[key]
	if exists {
		d.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Mark records a key as processed, evicting the oldest entry when full.
func (d *BatchDedup) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, exists := d.cache[key]; exists {
		d.lruList.MoveToFront(elem)
		return
	}

	entry := &dedupEntry{key: key}
	elem := d.lruList.PushFront(entry)
	d.cache[key] = elem

	if d.lruList.Len() > d.capacity {
		d.evictOldest()
	}
}

func (d *BatchDedup) evictOldest() {
	elem := d.lruList.Back()
	if elem == nil {
		return
	}
	d.lruList.Remove(elem)
	entry := elem.Value.(*dedupEntry)
	delete(d.cache, entry.key)
	d.evictions++
}

// Size returns the current number of entries.
func (d *BatchDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lruList.Len()
}

// Evictions returns the total eviction count.
func (d *BatchDedup) Evictions() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictions
}
