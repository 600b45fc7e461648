package engine

import (
	"container/list"
	"sync"
)

// IdempotencyChecker implements two-tier deduplication of request ids. Only
// requests that were applied are remembered, so a rejected request may be
// retried with the same id.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	// keys reserved by requests still being applied
	inFlight map[string]struct{}

	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		inFlight:  make(map[string]struct{}),
	}
}

// Begin reserves requestID for the caller. It returns the tier that
// recognized a duplicate ("lru", "postgres" or "in_flight"), or "" when the
// caller now owns the id and must call Commit or Abort. The id is reserved
// before the Postgres lookup, which runs without holding the lock.
func (ic *IdempotencyChecker) Begin(requestID string) string {
	ic.mu.Lock()
	if ic.lru.Contains(requestID) {
		ic.mu.Unlock()
		return "lru"
	}
	if _, busy := ic.inFlight[requestID]; busy {
		ic.mu.Unlock()
		return "in_flight"
	}
	ic.inFlight[requestID] = struct{}{}
	db := ic.dbChecker
	ic.mu.Unlock()

	if db == nil {
		return ""
	}
	isDup, err := db.IsDuplicate(requestID)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch {
	case err != nil:
		// a DB outage must not stall command processing; assume new
		ic.tier2Errors++
	case isDup:
		delete(ic.inFlight, requestID)
		ic.lru.Add(requestID)
		return "postgres"
	}
	return ""
}

// Commit marks a reserved id as applied.
func (ic *IdempotencyChecker) Commit(requestID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, requestID)
	ic.lru.Add(requestID)
}

// Abort releases a reserved id after a rejected request.
func (ic *IdempotencyChecker) Abort(requestID string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, requestID)
}

// Warm loads recently applied ids, typically from the event log on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) Tier2Errors() int64 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.tier2Errors
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys oldest first, so the newest end up
// most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
