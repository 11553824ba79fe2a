package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

// Bucket names. Matches the "named logical trees" enumerated in spec.md §6:
// workspaces, file_versions, symbols, edges, universal_cache, cache_stats,
// plus a meta bucket that no method reads or writes; ids come from each
// bucket's own NextSequence counter.
const (
	bucketWorkspaces    = "workspaces"
	bucketFileVersions  = "file_versions"
	bucketSymbols       = "symbols"
	bucketEdges         = "edges"
	bucketUniversal     = "universal_cache"
	bucketCacheStats    = "cache_stats"
	bucketMeta          = "meta"
)

var coreBuckets = []string{
	bucketWorkspaces, bucketFileVersions, bucketSymbols, bucketEdges,
	bucketUniversal, bucketCacheStats, bucketMeta,
}

// BoltBackend implements Backend over a go.etcd.io/bbolt database file. All
// public methods are safe for concurrent use: bbolt serializes writers
// internally and lets readers proceed from an MVCC snapshot, which is the
// "backend's internal concurrency discipline" spec.md §3 defers to.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) the database file at path and ensures
// the core buckets exist.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "opening bbolt database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range coreBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.StorageError, "initializing bbolt buckets", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.Wrap(errors.StorageError, "closing bbolt database", err)
	}
	return nil
}

// boltTree adapts a single bbolt bucket to the Tree interface, opening a
// fresh transaction per operation. Arbitrary-named trees (one per cache
// scope class, per spec.md §4.3) are created lazily on first use.
type boltTree struct {
	db   *bolt.DB
	name []byte
}

func (b *BoltBackend) OpenTree(name string) (Tree, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "opening tree "+name, err)
	}
	return &boltTree{db: b.db, name: []byte(name)}, nil
}

func (t *boltTree) Get(key []byte) ([]byte, error) {
	var out []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(t.name)
		if bkt == nil {
			return nil
		}
		if v := bkt.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "tree get", err)
	}
	return out, nil
}

func (t *boltTree) Set(key, value []byte) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(t.name)
		if err != nil {
			return err
		}
		return bkt.Put(key, value)
	})
	if err != nil {
		return errors.Wrap(errors.StorageError, "tree set", err)
	}
	return nil
}

func (t *boltTree) Remove(key []byte) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(t.name)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(key)
	})
	if err != nil {
		return errors.Wrap(errors.StorageError, "tree remove", err)
	}
	return nil
}

func (t *boltTree) Clear() error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(t.name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(t.name)
		return err
	})
	if err != nil {
		return errors.Wrap(errors.StorageError, "tree clear", err)
	}
	return nil
}

// ScanPrefix uses bbolt's cursor.Seek, which walks the bucket's B+tree
// directly from the prefix rather than iterating every key (spec.md §4.3's
// "must use the backend's prefix scan, not a full-tree iteration").
func (t *boltTree) ScanPrefix(prefix []byte) (func(yield func(key, value []byte) bool), error) {
	type kv struct{ k, v []byte }
	var rows []kv
	err := t.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(t.name)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rows = append(rows, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "tree scan prefix", err)
	}
	return func(yield func(key, value []byte) bool) {
		for _, row := range rows {
			if !yield(row.k, row.v) {
				return
			}
		}
	}, nil
}

// --- workspace & file-version lifecycle ---

func (b *BoltBackend) CreateWorkspace(rootPath string, projectID int64, branch string) (int64, error) {
	var id int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketWorkspaces))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		ws := Workspace{ID: id, RootPath: rootPath, ProjectID: projectID, Branch: branch, Active: true}
		raw, err := json.Marshal(ws)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(id), raw)
	})
	if err != nil {
		return 0, errors.Wrap(errors.StorageError, "creating workspace", err)
	}
	return id, nil
}

func (b *BoltBackend) GetWorkspace(id int64) (*Workspace, error) {
	var ws *Workspace
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketWorkspaces))
		raw := bkt.Get(idKey(id))
		if raw == nil {
			return nil
		}
		var w Workspace
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		ws = &w
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "reading workspace", err)
	}
	return ws, nil
}

func (b *BoltBackend) ListWorkspaces() ([]Workspace, error) {
	var out []Workspace
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketWorkspaces))
		return bkt.ForEach(func(k, v []byte) error {
			var w Workspace
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "listing workspaces", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *BoltBackend) CreateFileVersion(workspaceID int64, relativePath, digest string) (int64, error) {
	var id int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketFileVersions))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		fv := FileVersion{ID: id, WorkspaceID: workspaceID, RelativePath: relativePath, ContentDigest: digest}
		raw, err := json.Marshal(fv)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(id), raw)
	})
	if err != nil {
		return 0, errors.Wrap(errors.StorageError, "creating file version", err)
	}
	return id, nil
}

// --- symbol & edge writes ---

func (b *BoltBackend) StoreSymbols(symbols []Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketSymbols))
		for _, s := range symbols {
			raw, err := json.Marshal(s)
			if err != nil {
				return err
			}
			if err := bkt.Put(symbolKey(s.WorkspaceID, s.UID), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.StorageError, "storing symbols", err)
	}
	return nil
}

// StoreEdges persists edges keyed so ScanPrefix(edgePrefix(ws, uid)) finds
// every edge sourced from uid regardless of relation, and
// ScanPrefix(edgePrefix(ws, uid)+relation) narrows to one relation. An empty
// slice is a no-op that succeeds (spec.md §8).
func (b *BoltBackend) StoreEdges(edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketEdges))
		for _, e := range edges {
			if err := validateRelation(e.Relation); err != nil {
				return err
			}
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			key := edgeKey(e.WorkspaceID, e.SourceUID, e.Relation, seq)
			if err := bkt.Put(key, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.StorageError, "storing edges", err)
	}
	return nil
}

func (b *BoltBackend) edgesFor(workspaceID int64, uid string, relation Relation) ([]Edge, error) {
	var out []Edge
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketEdges))
		c := bkt.Cursor()
		prefix := edgeRelationPrefix(workspaceID, uid, relation)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "reading edges", err)
	}
	return out, nil
}

func (b *BoltBackend) HasAnalyzed(workspaceID int64, uid string, relation Relation) (bool, error) {
	edges, err := b.edgesFor(workspaceID, uid, relation)
	if err != nil {
		return false, err
	}
	return len(edges) > 0, nil
}

// GetCallHierarchyForSymbol implements the three-state read of spec.md
// §4.2: nil if no IncomingCall/OutgoingCall rows exist at all; a non-nil
// CallHierarchy with empty slices if every such row is a negative edge;
// otherwise the populated non-negative items.
func (b *BoltBackend) GetCallHierarchyForSymbol(workspaceID int64, uid string) (*CallHierarchy, error) {
	incoming, err := b.edgesFor(workspaceID, uid, IncomingCall)
	if err != nil {
		return nil, err
	}
	outgoing, err := b.edgesFor(workspaceID, uid, OutgoingCall)
	if err != nil {
		return nil, err
	}
	if len(incoming) == 0 && len(outgoing) == 0 {
		return nil, nil
	}
	result := &CallHierarchy{Incoming: []CallItem{}, Outgoing: []CallItem{}}
	for _, e := range incoming {
		if !e.IsNegative() {
			result.Incoming = append(result.Incoming, CallItem{UID: e.TargetUID, Location: e.Location})
		}
	}
	for _, e := range outgoing {
		if !e.IsNegative() {
			result.Outgoing = append(result.Outgoing, CallItem{UID: e.TargetUID, Location: e.Location})
		}
	}
	return result, nil
}

func nonNegative(edges []Edge) []Edge {
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if !e.IsNegative() {
			out = append(out, e)
		}
	}
	return out
}

func (b *BoltBackend) GetReferencesForSymbol(workspaceID int64, uid string, includeDeclaration bool) ([]Edge, error) {
	edges, err := b.edgesFor(workspaceID, uid, Reference)
	if err != nil {
		return nil, err
	}
	result := nonNegative(edges)
	if !includeDeclaration {
		filtered := result[:0:0]
		for _, e := range result {
			if e.Metadata["declaration"] != "true" {
				filtered = append(filtered, e)
			}
		}
		return filtered, nil
	}
	return result, nil
}

func (b *BoltBackend) GetDefinitionsForSymbol(workspaceID int64, uid string) ([]Edge, error) {
	edges, err := b.edgesFor(workspaceID, uid, Definition)
	if err != nil {
		return nil, err
	}
	return nonNegative(edges), nil
}

func (b *BoltBackend) GetImplementationsForSymbol(workspaceID int64, uid string) ([]Edge, error) {
	edges, err := b.edgesFor(workspaceID, uid, Implementation)
	if err != nil {
		return nil, err
	}
	return nonNegative(edges), nil
}

func (b *BoltBackend) GetSymbolCalls(workspaceID int64, uid string, direction Direction) ([]Edge, error) {
	relation := IncomingCall
	if direction == DirectionOutgoing {
		relation = OutgoingCall
	}
	edges, err := b.edgesFor(workspaceID, uid, relation)
	if err != nil {
		return nil, err
	}
	return nonNegative(edges), nil
}

func (b *BoltBackend) GetSymbolReferences(workspaceID int64, uid string) ([]Edge, error) {
	edges, err := b.edgesFor(workspaceID, uid, Reference)
	if err != nil {
		return nil, err
	}
	return nonNegative(edges), nil
}

// --- key encoding ---

func idKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func symbolKey(workspaceID int64, uid string) []byte {
	return []byte(fmt.Sprintf("%d:%s", workspaceID, uid))
}

func edgeRelationPrefix(workspaceID int64, uid string, relation Relation) []byte {
	return []byte(fmt.Sprintf("%d:%s:%s:", workspaceID, uid, relation))
}

func edgeKey(workspaceID int64, uid string, relation Relation, seq uint64) []byte {
	return []byte(fmt.Sprintf("%d:%s:%s:%020d", workspaceID, uid, relation, seq))
}
