package core

import (
	"container/list"
	"context"
	"sync"
	"time"

	"SwapLedger/internal/observability"

	"github.com/rs/zerolog"
)

// DBIdempotencyChecker is the durable tier: results of commands processed
// before the LRU was filled (or before a restart).
type DBIdempotencyChecker interface {
	LookupResult(ctx context.Context, requestID string) ([]byte, bool, error)
}

// IdempotencyChecker implements two-tier deduplication of commands by
// request id. It caches the encoded result so a retried command gets the
// original answer.
type IdempotencyChecker struct {
	mu  sync.Mutex
	lru *IdempotencyLRU

	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// Lookup returns the stored result for requestID, if any (two-tier lookup).
func (ic *IdempotencyChecker) Lookup(ctx context.Context, requestID string) ([]byte, bool) {
	ic.mu.Lock()
	result, ok := ic.lru.Get(requestID)
	ic.mu.Unlock()

	if ok {
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues("lru").Inc()
		}
		return result, true
	}

	if ic.dbChecker == nil {
		return nil, false
	}

	start := time.Now()
	result, found, err := ic.dbChecker.LookupResult(ctx, requestID)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Treat as unseen rather than block the command on a DB problem
		ic.logger.Warn().Err(err).Str("request_id", requestID).Msg("idempotency tier-2 lookup failed")
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return nil, false
	}
	if !found {
		return nil, false
	}

	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues("postgres").Inc()
	}
	ic.MarkProcessed(requestID, result)
	return result, true
}

// MarkProcessed records the result of a processed command.
func (ic *IdempotencyChecker) MarkProcessed(requestID string, result []byte) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	evicted := ic.lru.Add(requestID, result)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm loads recently stored results (newest last) into the LRU.
func (ic *IdempotencyChecker) Warm(entries []IdempotencyEntry) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, e := range entries {
		ic.lru.Add(e.RequestID, e.Result)
	}
}

// Size returns the number of cached request ids
func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

// IdempotencyEntry is one cached command result
type IdempotencyEntry struct {
	RequestID string
	Result    []byte
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU of request id -> encoded result.
// Not thread-safe; IdempotencyChecker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key    string
	result []byte
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

// Get returns the result for key (promotes to front)
func (lru *IdempotencyLRU) Get(key string) ([]byte, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

// Add inserts or refreshes a key. Reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string, result []byte) bool {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).result = result
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, result: result})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Keys returns cached keys, most recently used first
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruEntry).key)
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
