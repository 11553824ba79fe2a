package storage

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend used by tests that want the
// read/write semantics of §4.2 without a bbolt file on disk. It mirrors
// BoltBackend's key layout so ScanPrefix-based readers behave identically
// across both implementations.
type MemoryBackend struct {
	mu          sync.Mutex
	workspaces  map[int64]Workspace
	fileVers    map[int64]FileVersion
	symbols     map[string]Symbol
	edges       map[string]Edge // key -> edge
	edgeOrder   []string        // insertion order, for deterministic iteration
	trees       map[string]*memoryTree
	nextWS      int64
	nextFV      int64
	nextEdgeSeq uint64
}

// NewMemoryBackend constructs an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		workspaces: make(map[int64]Workspace),
		fileVers:   make(map[int64]FileVersion),
		symbols:    make(map[string]Symbol),
		edges:      make(map[string]Edge),
		trees:      make(map[string]*memoryTree),
	}
}

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) OpenTree(name string) (Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trees[name]
	if !ok {
		t = &memoryTree{data: make(map[string][]byte)}
		m.trees[name] = t
	}
	return t, nil
}

func (m *MemoryBackend) CreateWorkspace(rootPath string, projectID int64, branch string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWS++
	id := m.nextWS
	m.workspaces[id] = Workspace{ID: id, RootPath: rootPath, ProjectID: projectID, Branch: branch, Active: true}
	return id, nil
}

func (m *MemoryBackend) GetWorkspace(id int64) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, nil
	}
	return &ws, nil
}

func (m *MemoryBackend) ListWorkspaces() ([]Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) CreateFileVersion(workspaceID int64, relativePath, digest string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFV++
	id := m.nextFV
	m.fileVers[id] = FileVersion{ID: id, WorkspaceID: workspaceID, RelativePath: relativePath, ContentDigest: digest}
	return id, nil
}

func (m *MemoryBackend) StoreSymbols(symbols []Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.symbols[string(symbolKey(s.WorkspaceID, s.UID))] = s
	}
	return nil
}

func (m *MemoryBackend) StoreEdges(edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range edges {
		if err := validateRelation(e.Relation); err != nil {
			return err
		}
		m.nextEdgeSeq++
		key := string(edgeKey(e.WorkspaceID, e.SourceUID, e.Relation, m.nextEdgeSeq))
		m.edges[key] = e
		m.edgeOrder = append(m.edgeOrder, key)
	}
	return nil
}

func (m *MemoryBackend) edgesFor(workspaceID int64, uid string, relation Relation) ([]Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := edgeRelationPrefix(workspaceID, uid, relation)
	var out []Edge
	for _, key := range m.edgeOrder {
		if bytes.HasPrefix([]byte(key), prefix) {
			out = append(out, m.edges[key])
		}
	}
	return out, nil
}

func (m *MemoryBackend) HasAnalyzed(workspaceID int64, uid string, relation Relation) (bool, error) {
	edges, _ := m.edgesFor(workspaceID, uid, relation)
	return len(edges) > 0, nil
}

func (m *MemoryBackend) GetCallHierarchyForSymbol(workspaceID int64, uid string) (*CallHierarchy, error) {
	incoming, _ := m.edgesFor(workspaceID, uid, IncomingCall)
	outgoing, _ := m.edgesFor(workspaceID, uid, OutgoingCall)
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

func (m *MemoryBackend) GetReferencesForSymbol(workspaceID int64, uid string, includeDeclaration bool) ([]Edge, error) {
	edges, _ := m.edgesFor(workspaceID, uid, Reference)
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

func (m *MemoryBackend) GetDefinitionsForSymbol(workspaceID int64, uid string) ([]Edge, error) {
	edges, _ := m.edgesFor(workspaceID, uid, Definition)
	return nonNegative(edges), nil
}

func (m *MemoryBackend) GetImplementationsForSymbol(workspaceID int64, uid string) ([]Edge, error) {
	edges, _ := m.edgesFor(workspaceID, uid, Implementation)
	return nonNegative(edges), nil
}

func (m *MemoryBackend) GetSymbolCalls(workspaceID int64, uid string, direction Direction) ([]Edge, error) {
	relation := IncomingCall
	if direction == DirectionOutgoing {
		relation = OutgoingCall
	}
	edges, _ := m.edgesFor(workspaceID, uid, relation)
	return nonNegative(edges), nil
}

func (m *MemoryBackend) GetSymbolReferences(workspaceID int64, uid string) ([]Edge, error) {
	edges, _ := m.edgesFor(workspaceID, uid, Reference)
	return nonNegative(edges), nil
}

// memoryTree implements Tree over a guarded map, for cache-layer tests and
// for any sub-tree a caller opens by name that isn't one of the core
// buckets.
type memoryTree struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (t *memoryTree) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.data[string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, nil
}

func (t *memoryTree) Set(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTree) Remove(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, string(key))
	return nil
}

func (t *memoryTree) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string][]byte)
	return nil
}

func (t *memoryTree) ScanPrefix(prefix []byte) (func(yield func(key, value []byte) bool), error) {
	t.mu.Lock()
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, [2][]byte{[]byte(k), append([]byte(nil), t.data[k]...)})
	}
	t.mu.Unlock()

	return func(yield func(key, value []byte) bool) {
		for _, row := range rows {
			if !yield(row[0], row[1]) {
				return
			}
		}
	}, nil
}
