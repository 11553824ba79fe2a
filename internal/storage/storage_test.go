package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs each test body against both the bbolt-backed and in-memory
// implementations, since spec.md §4.2's read semantics must hold regardless
// of which embedded store is underneath.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mem := NewMemoryBackend()

	dir := t.TempDir()
	bb, err := OpenBolt(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bb.Close() })

	return map[string]Backend{"memory": mem, "bbolt": bb}
}

func TestCallHierarchyMissEmptyPopulated(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			wsID, err := b.CreateWorkspace("/ws", 1, "")
			require.NoError(t, err)
			uid := "src/empty.rs:deadbeef:EmptyStruct:10"

			// 1. Never analyzed: miss.
			ch, err := b.GetCallHierarchyForSymbol(wsID, uid)
			require.NoError(t, err)
			assert.Nil(t, ch)

			// 2. Negative edges only: analyzed, empty.
			fvID, err := b.CreateFileVersion(wsID, "src/empty.rs", "deadbeef")
			require.NoError(t, err)
			err = b.StoreEdges([]Edge{
				{WorkspaceID: wsID, SourceUID: uid, TargetUID: NoneTarget, Relation: IncomingCall, AnchorFileVersionID: fvID},
				{WorkspaceID: wsID, SourceUID: uid, TargetUID: NoneTarget, Relation: OutgoingCall, AnchorFileVersionID: fvID},
			})
			require.NoError(t, err)

			ch, err = b.GetCallHierarchyForSymbol(wsID, uid)
			require.NoError(t, err)
			require.NotNil(t, ch)
			assert.Empty(t, ch.Incoming)
			assert.Empty(t, ch.Outgoing)

			// 3. A real incoming call alongside a stale negative outgoing edge:
			// populated, with negatives filtered out.
			caller := "src/caller.rs:cafebabe:caller:15"
			err = b.StoreEdges([]Edge{
				{WorkspaceID: wsID, SourceUID: uid, TargetUID: caller, Relation: IncomingCall, AnchorFileVersionID: fvID},
			})
			require.NoError(t, err)

			ch, err = b.GetCallHierarchyForSymbol(wsID, uid)
			require.NoError(t, err)
			require.NotNil(t, ch)
			require.Len(t, ch.Incoming, 1)
			assert.Equal(t, caller, ch.Incoming[0].UID)
			assert.Empty(t, ch.Outgoing)
		})
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w1, err := b.CreateWorkspace("/ws1", 1, "")
			require.NoError(t, err)
			w2, err := b.CreateWorkspace("/ws2", 1, "")
			require.NoError(t, err)

			uid := "src/a.go:00000000:Foo:1"
			err = b.StoreEdges([]Edge{
				{WorkspaceID: w1, SourceUID: uid, TargetUID: NoneTarget, Relation: IncomingCall},
				{WorkspaceID: w1, SourceUID: uid, TargetUID: NoneTarget, Relation: OutgoingCall},
			})
			require.NoError(t, err)

			ch1, err := b.GetCallHierarchyForSymbol(w1, uid)
			require.NoError(t, err)
			assert.NotNil(t, ch1)

			ch2, err := b.GetCallHierarchyForSymbol(w2, uid)
			require.NoError(t, err)
			assert.Nil(t, ch2)
		})
	}
}

func TestStoreEdgesEmptyIsNoop(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, b.StoreEdges(nil))
			assert.NoError(t, b.StoreEdges([]Edge{}))
		})
	}
}

func TestGetSymbolCallsFiltersNegatives(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			wsID, err := b.CreateWorkspace("/ws", 1, "")
			require.NoError(t, err)
			uid := "src/b.go:11111111:Bar:3"

			err = b.StoreEdges([]Edge{
				{WorkspaceID: wsID, SourceUID: uid, TargetUID: NoneTarget, Relation: OutgoingCall},
				{WorkspaceID: wsID, SourceUID: uid, TargetUID: "src/c.go:22222222:Baz:5", Relation: OutgoingCall},
			})
			require.NoError(t, err)

			calls, err := b.GetSymbolCalls(wsID, uid, DirectionOutgoing)
			require.NoError(t, err)
			require.Len(t, calls, 1)
			assert.Equal(t, "src/c.go:22222222:Baz:5", calls[0].TargetUID)
		})
	}
}

func TestTreeScanPrefix(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tree, err := b.OpenTree("universal_cache")
			require.NoError(t, err)

			require.NoError(t, tree.Set([]byte("1:hover:a.go:digest"), []byte("v1")))
			require.NoError(t, tree.Set([]byte("1:hover:b.go:digest"), []byte("v2")))
			require.NoError(t, tree.Set([]byte("2:hover:a.go:digest"), []byte("v3")))

			iter, err := tree.ScanPrefix([]byte("1:hover:"))
			require.NoError(t, err)

			count := 0
			iter(func(k, v []byte) bool {
				count++
				return true
			})
			assert.Equal(t, 2, count)
		})
	}
}
