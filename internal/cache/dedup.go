package cache

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Dedup tracks insertion/access order for the universal cache's soft
// per-workspace entry caps (spec.md §4.3's max_entries_per_workspace),
// independent of the Blake3 content digest used
// in UIDs. It hashes full cache keys with xxhash for a compact, collision-
// resistant in-memory index — the same lock-light sync.Map-of-atomics shape
// as the teacher's internal/cache/metrics_cache.go, adapted from a
// TTL-expiring metrics cache onto an insertion-ordered eviction ledger keyed
// by (workspace, operation).
type Dedup struct {
	entries sync.Map // map[uint64]*dedupEntry, keyed by xxhash of the cache key bytes
	buckets sync.Map // map[bucketKey]*int64, live count per (workspace, operation)
	seq     int64    // atomic monotonic recency counter, avoids wall-clock ties
}

type dedupEntry struct {
	workspaceOp string
	keyBytes    []byte
	recency     int64 // monotonic sequence number, atomic
}

// NewDedup constructs an empty tracker.
func NewDedup() *Dedup {
	return &Dedup{}
}

func bucketKey(k Key) string {
	return strconv.FormatInt(k.WorkspaceID, 10) + ":" + string(k.Operation)
}

// Touch records that key was just written or read, returning the keys (if
// any) that must now be evicted to respect policy.MaxEntriesPerWorkspace.
// Eviction is strictly least-recently-touched first within one (workspace,
// operation) bucket, and each bucket is trimmed on its own; policy.Priority
// is not consulted.
func (d *Dedup) Touch(key Key, policy Policy) [][]byte {
	h := xxhash.Sum64(key.Bytes())
	bk := bucketKey(key)

	now := atomic.AddInt64(&d.seq, 1)
	entry := &dedupEntry{workspaceOp: bk, keyBytes: key.Bytes(), recency: now}

	_, loaded := d.entries.LoadOrStore(h, entry)
	if loaded {
		// Refresh recency on re-write.
		if existing, ok := d.entries.Load(h); ok {
			atomic.StoreInt64(&existing.(*dedupEntry).recency, now)
		}
		return nil
	}

	countPtr, _ := d.buckets.LoadOrStore(bk, new(int64))
	count := atomic.AddInt64(countPtr.(*int64), 1)

	if policy.MaxEntriesPerWorkspace <= 0 || int(count) <= policy.MaxEntriesPerWorkspace {
		return nil
	}

	return d.evictOldest(bk, int(count)-policy.MaxEntriesPerWorkspace)
}

// evictOldest removes the n oldest entries in bucket bk and returns their
// raw cache-key bytes for the caller to delete from storage.
func (d *Dedup) evictOldest(bk string, n int) [][]byte {
	type candidate struct {
		hash  uint64
		entry *dedupEntry
	}
	var candidates []candidate
	d.entries.Range(func(k, v interface{}) bool {
		e := v.(*dedupEntry)
		if e.workspaceOp == bk {
			candidates = append(candidates, candidate{k.(uint64), e})
		}
		return true
	})

	// Simple selection of the n oldest; bucket sizes are bounded by the
	// policy's own soft cap so this stays small.
	evicted := make([][]byte, 0, n)
	for i := 0; i < n && len(candidates) > 0; i++ {
		oldestIdx := 0
		oldestTime := atomic.LoadInt64(&candidates[0].entry.recency)
		for j := 1; j < len(candidates); j++ {
			t := atomic.LoadInt64(&candidates[j].entry.recency)
			if t < oldestTime {
				oldestTime = t
				oldestIdx = j
			}
		}
		victim := candidates[oldestIdx]
		d.entries.Delete(victim.hash)
		if countPtr, ok := d.buckets.Load(bk); ok {
			atomic.AddInt64(countPtr.(*int64), -1)
		}
		evicted = append(evicted, victim.entry.keyBytes)
		candidates = append(candidates[:oldestIdx], candidates[oldestIdx+1:]...)
	}
	return evicted
}

// Forget removes key from tracking without regard to eviction bookkeeping
// beyond decrementing its bucket count, used by RemoveUniversalEntry.
func (d *Dedup) Forget(key Key) {
	d.ForgetBytes(key.Bytes())
}

// ForgetBytes is Forget for a raw key already rendered to bytes (used by
// ClearUniversalEntriesByPrefix, which only has the stored key bytes).
func (d *Dedup) ForgetBytes(keyBytes []byte) {
	h := xxhash.Sum64(keyBytes)
	v, ok := d.entries.LoadAndDelete(h)
	if !ok {
		return
	}
	e := v.(*dedupEntry)
	if countPtr, ok := d.buckets.Load(e.workspaceOp); ok {
		atomic.AddInt64(countPtr.(*int64), -1)
	}
}
