package cache

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

const (
	treeUniversal = "universal_cache"
	treeStats     = "cache_stats"

	statHits   = "hits"
	statMisses = "misses"
)

// Cache is the C3 cache layer: universal blob entries backed by a storage
// tree, a sibling stats tree for hit/miss counters, and an in-memory
// dedup/eviction tracker (Dedup) enforcing each policy's soft entry cap.
type Cache struct {
	universal storage.Tree
	stats     storage.Tree

	mu       sync.Mutex
	policies map[Operation]Policy
	dedup    *Dedup

	hitsMu   sync.Mutex
	missesMu sync.Mutex
}

// New opens the universal_cache and cache_stats trees on backend and
// applies DefaultPolicies(). Policies may be overridden per-operation with
// SetPolicy.
func New(backend storage.Backend) (*Cache, error) {
	universal, err := backend.OpenTree(treeUniversal)
	if err != nil {
		return nil, err
	}
	stats, err := backend.OpenTree(treeStats)
	if err != nil {
		return nil, err
	}
	return &Cache{
		universal: universal,
		stats:     stats,
		policies:  DefaultPolicies(),
		dedup:     NewDedup(),
	}, nil
}

// Policy returns the effective policy for op.
func (c *Cache) Policy(op Operation) Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies[op]
}

// SetPolicy overrides the policy for op (used by config-driven tuning).
func (c *Cache) SetPolicy(op Operation, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[op] = p
}

// entryEnvelope wraps every stored blob with the bookkeeping each cache
// entry carries: creation and last-access times plus an access counter.
// Timestamps are wall-clock Unix seconds so they stay meaningful across
// daemon restarts.
type entryEnvelope struct {
	Value        []byte `json:"value"`
	CreatedAt    int64  `json:"created_at"`
	LastAccessed int64  `json:"last_accessed"`
	AccessCount  int64  `json:"access_count"`
}

// GetUniversalEntry reads a blob-valued cache entry, bumping its access
// counter, last-accessed time and eviction recency. ok is false on a miss;
// callers should pair this with a call to UpdateHitMissCounts.
func (c *Cache) GetUniversalEntry(key Key) (value []byte, ok bool, err error) {
	v, err := c.universal.Get(key.Bytes())
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}

	var env entryEnvelope
	if err := json.Unmarshal(v, &env); err != nil {
		return nil, false, errors.Wrap(errors.StorageError, "decoding cache entry", err)
	}

	env.LastAccessed = time.Now().Unix()
	env.AccessCount++
	if updated, err := json.Marshal(env); err == nil {
		_ = c.universal.Set(key.Bytes(), updated)
	}
	for _, k := range c.dedup.Touch(key, c.Policy(key.Operation)) {
		_ = c.universal.Remove(k)
	}

	return env.Value, true, nil
}

// SetUniversalEntry writes a blob-valued cache entry and records it in the
// dedup/eviction tracker so the policy's soft cap can be enforced.
func (c *Cache) SetUniversalEntry(key Key, value []byte) error {
	now := time.Now().Unix()
	raw, err := json.Marshal(entryEnvelope{Value: value, CreatedAt: now, LastAccessed: now})
	if err != nil {
		return errors.Wrap(errors.StorageError, "encoding cache entry", err)
	}
	if err := c.universal.Set(key.Bytes(), raw); err != nil {
		return err
	}
	policy := c.Policy(key.Operation)
	evicted := c.dedup.Touch(key, policy)
	for _, k := range evicted {
		_ = c.universal.Remove(k)
	}
	return nil
}

// RemoveUniversalEntry deletes a single cache entry.
func (c *Cache) RemoveUniversalEntry(key Key) error {
	c.dedup.Forget(key)
	return c.universal.Remove(key.Bytes())
}

// ClearUniversalEntriesByPrefix deletes every entry whose key starts with
// prefix, via the backend's ScanPrefix rather than a full-tree walk
// (spec.md §4.3). Used on a file-change event to sweep every cached
// position in one call.
func (c *Cache) ClearUniversalEntriesByPrefix(prefix []byte) (int, error) {
	iter, err := c.universal.ScanPrefix(prefix)
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	iter(func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	for _, k := range keys {
		if err := c.universal.Remove(k); err != nil {
			return 0, err
		}
		c.dedup.ForgetBytes(k)
	}
	return len(keys), nil
}

// GetByFile enumerates entries whose key embeds path or its basename
// (spec.md §4.3). This necessarily walks the full universal tree — the key
// layout doesn't anchor the path as a prefix the way workspace/operation
// do — so callers needing this on a hot path should prefer a targeted
// ClearUniversalEntriesByPrefix when the operation and digest are known.
func (c *Cache) GetByFile(path string) (map[string][]byte, error) {
	iter, err := c.universal.ScanPrefix(nil)
	if err != nil {
		return nil, err
	}
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	out := make(map[string][]byte)
	iter(func(key, value []byte) bool {
		k := string(key)
		if strings.Contains(k, path) || strings.Contains(k, base) {
			var env entryEnvelope
			if err := json.Unmarshal(value, &env); err == nil {
				out[k] = env.Value
			} else {
				out[k] = append([]byte(nil), value...)
			}
		}
		return true
	})
	return out, nil
}

// InvalidateFile removes every universal cache entry whose key embeds path
// or its basename, the watcher's entry point for spec.md §4.3's
// invalidate-on-change path when only a changed path (not a workspace id,
// operation, or digest) is known.
func (c *Cache) InvalidateFile(path string) (int, error) {
	entries, err := c.GetByFile(path)
	if err != nil {
		return 0, err
	}
	for k := range entries {
		keyBytes := []byte(k)
		if err := c.universal.Remove(keyBytes); err != nil {
			return 0, err
		}
		c.dedup.ForgetBytes(keyBytes)
	}
	return len(entries), nil
}

// HitMissCounts is the pair of atomic counters spec.md §4.3 describes: when
// both are bumped together the two reads and two writes must be issued
// concurrently and awaited, which UpdateHitMissCounts implements with
// errgroup over two independently-locked counters so neither bump waits on
// the other.
type HitMissCounts struct {
	Hits   int64
	Misses int64
}

// UpdateHitMissCounts applies hitDelta/missDelta (either may be nil to skip
// that counter) and returns the post-update totals. When both are present,
// their reads and writes run concurrently via golang.org/x/sync/errgroup.
func (c *Cache) UpdateHitMissCounts(hitDelta, missDelta *int64) (HitMissCounts, error) {
	var out HitMissCounts
	var g errgroup.Group

	if hitDelta != nil {
		g.Go(func() error {
			v, err := c.bumpCounter(&c.hitsMu, statHits, *hitDelta)
			if err != nil {
				return err
			}
			out.Hits = v
			return nil
		})
	}
	if missDelta != nil {
		g.Go(func() error {
			v, err := c.bumpCounter(&c.missesMu, statMisses, *missDelta)
			if err != nil {
				return err
			}
			out.Misses = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return HitMissCounts{}, errors.Wrap(errors.StorageError, "updating hit/miss counters", err)
	}

	if hitDelta == nil {
		out.Hits, _ = c.readCounter(statHits)
	}
	if missDelta == nil {
		out.Misses, _ = c.readCounter(statMisses)
	}
	return out, nil
}

func (c *Cache) readCounter(name string) (int64, error) {
	raw, err := c.stats.Get([]byte(name))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// bumpCounter is the single read-modify-write step UpdateHitMissCounts fans
// out over errgroup. Each counter has its own lock, so a concurrent hits
// bump and misses bump proceed in parallel rather than serializing behind
// one shared mutex; distinct calls bumping the same counter still
// serialize through that counter's own lock.
func (c *Cache) bumpCounter(mu *sync.Mutex, name string, delta int64) (int64, error) {
	mu.Lock()
	defer mu.Unlock()

	cur, err := c.readCounter(name)
	if err != nil {
		return 0, err
	}
	cur += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cur))
	if err := c.stats.Set([]byte(name), buf); err != nil {
		return 0, err
	}
	return cur, nil
}
