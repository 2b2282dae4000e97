package core

import (
	"fmt"

	"EscrowLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recently committed keys in front of the persisted event log.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU of composite keys
	lru *lru.Cache[string, struct{}]

	// Tier 2: Postgres (nil in tests and during replay)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 100_000
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(fmt.Sprintf("idempotency lru: %v", err))
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks whether the action was already committed. A tier-2
// error is treated as "not a duplicate" so a database hiccup never blocks
// the sequencer; the unique index on the event log still rejects the row.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(key, struct{}{})
		return true
	}
	return false
}

// MarkProcessed adds the key after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

// Warm loads composite keys, oldest first, e.g. from a snapshot
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the cached composite keys from oldest to newest
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Len() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
