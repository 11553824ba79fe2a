package storage

// Tree is one named logical sub-tree (spec.md §4.2's "open named
// sub-trees"): a flat byte-keyed namespace with prefix scanning. Concrete
// backends may implement this over a bbolt bucket, a SQL table keyed by a
// composite column, or (in tests) a plain in-memory map.
type Tree interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Remove(key []byte) error
	Clear() error
	ScanPrefix(prefix []byte) (iter func(yield func(key, value []byte) bool), err error)
}

// Direction selects which side of a call edge GetSymbolCalls reads.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Backend is the storage contract of spec.md §4.2: workspace/file-version
// lifecycle, atomic symbol/edge writes, and the typed readers whose miss/
// analyzed-empty/populated three-way result is the central invariant of the
// whole system (§3).
//
// ErrNotFound is never returned by the typed readers; "not analyzed" is a
// nil *CallHierarchy (or, for the slice-returning readers, a caller-visible
// distinction documented on each method) rather than an error.
type Backend interface {
	OpenTree(name string) (Tree, error)

	CreateWorkspace(rootPath string, projectID int64, branch string) (int64, error)
	GetWorkspace(id int64) (*Workspace, error)
	ListWorkspaces() ([]Workspace, error)

	// CreateFileVersion records a new immutable (workspace, path, digest)
	// row. Dispatch calls it each time it sends a request to a language
	// server, so one (workspace, path, digest) can have several rows; it
	// never updates an existing row.
	CreateFileVersion(workspaceID int64, relativePath, digest string) (int64, error)

	// StoreEdges persists 0..n edges atomically; an empty slice is a no-op
	// that succeeds (spec.md §8 testable property).
	StoreEdges(edges []Edge) error
	// StoreSymbols persists 0..n symbols atomically.
	StoreSymbols(symbols []Symbol) error

	// GetCallHierarchyForSymbol implements the three-way miss/empty/
	// populated read described in spec.md §4.2 and §8 scenario 1-3.
	GetCallHierarchyForSymbol(workspaceID int64, uid string) (*CallHierarchy, error)

	// GetReferencesForSymbol returns only edges with target != "none". The
	// caller distinguishes "miss" from "populated empty" via
	// HasAnalyzed(Reference).
	GetReferencesForSymbol(workspaceID int64, uid string, includeDeclaration bool) ([]Edge, error)
	GetDefinitionsForSymbol(workspaceID int64, uid string) ([]Edge, error)
	GetImplementationsForSymbol(workspaceID int64, uid string) ([]Edge, error)
	GetSymbolCalls(workspaceID int64, uid string, direction Direction) ([]Edge, error)
	GetSymbolReferences(workspaceID int64, uid string) ([]Edge, error)

	// HasAnalyzed reports whether any edge row (negative or real) exists for
	// (workspaceID, uid, relation) — the miss/not-miss predicate the
	// slice-returning readers above need alongside their populated results.
	HasAnalyzed(workspaceID int64, uid string, relation Relation) (bool, error)

	Close() error
}
