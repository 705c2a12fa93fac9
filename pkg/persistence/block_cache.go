package persistence

import (
	"sync"

	"mvccdb/pkg/types"
)

type cacheKey struct {
	table  types.FileID
	offset uint64
}

// BlockCache is an LRU of decompressed data blocks shared by all tables of
// an engine. Capacity counts blocks. A nil *BlockCache caches nothing.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits, misses uint64
}

type cacheItem struct {
	key   cacheKey
	value *block
	prev  *cacheItem
	next  *cacheItem
}

func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheItem),
	}
}

func (bc *BlockCache) get(key cacheKey) (*block, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses++
		return nil, false
	}
	bc.hits++
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) set(key cacheKey, value *block) {
	if bc == nil || bc.capacity <= 0 {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Len is the number of cached blocks.
func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

// Stats returns the hit and miss counters.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.hits, bc.misses
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}

	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == bc.tail {
		bc.tail = item.prev
	}

	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}

	delete(bc.items, bc.tail.key)

	if bc.tail.prev != nil {
		bc.tail.prev.next = nil
	} else {
		bc.head = nil
	}
	bc.tail = bc.tail.prev
}
