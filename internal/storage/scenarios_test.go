package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lsp-daemon/internal/storage"
	"github.com/standardbeagle/lsp-daemon/internal/storagetest"
)

func scenarioBackends(t *testing.T) map[string]storage.Backend {
	t.Helper()
	mem := storage.NewMemoryBackend()

	bb, err := storage.OpenBolt(filepath.Join(t.TempDir(), "scenario.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bb.Close() })

	return map[string]storage.Backend{"memory": mem, "bbolt": bb}
}

func TestReferencesDeclarationFilter(t *testing.T) {
	for name, b := range scenarioBackends(t) {
		t.Run(name, func(t *testing.T) {
			ws := storagetest.Workspace(t, b, "/ws")
			uid := "src/lib.go:12345678:Widget:8"

			storagetest.Store(t, b,
				storagetest.DeclarationEdge(ws, uid, "src/lib.go:12345678:Widget:8"),
				storagetest.Edge(ws, uid, "src/use.go:87654321:Widget:20", storage.Reference),
				storagetest.NegativeEdge(ws, uid, storage.Reference),
			)

			all, err := b.GetReferencesForSymbol(ws, uid, true)
			require.NoError(t, err)
			assert.Len(t, all, 2, "includeDeclaration keeps the declaration site")

			uses, err := b.GetReferencesForSymbol(ws, uid, false)
			require.NoError(t, err)
			require.Len(t, uses, 1)
			assert.Equal(t, "src/use.go:87654321:Widget:20", uses[0].TargetUID)
		})
	}
}

func TestHasAnalyzedDistinguishesMissFromEmpty(t *testing.T) {
	for name, b := range scenarioBackends(t) {
		t.Run(name, func(t *testing.T) {
			ws := storagetest.Workspace(t, b, "/ws")
			uid := "src/lone.go:deadbeef:Orphan:3"

			analyzed, err := b.HasAnalyzed(ws, uid, storage.Implementation)
			require.NoError(t, err)
			assert.False(t, analyzed)

			storagetest.Store(t, b, storagetest.NegativeEdge(ws, uid, storage.Implementation))

			analyzed, err = b.HasAnalyzed(ws, uid, storage.Implementation)
			require.NoError(t, err)
			assert.True(t, analyzed, "a negative edge proves analysis ran")

			impls, err := b.GetImplementationsForSymbol(ws, uid)
			require.NoError(t, err)
			assert.Empty(t, impls)
		})
	}
}

func TestDefinitionsFilterStaleNegatives(t *testing.T) {
	for name, b := range scenarioBackends(t) {
		t.Run(name, func(t *testing.T) {
			ws := storagetest.Workspace(t, b, "/ws")
			uid := "src/iface.go:0a0b0c0d:Run:12"
			fv := storagetest.FileVersion(t, b, ws, "src/iface.go", "0a0b0c0d")

			neg := storagetest.NegativeEdge(ws, uid, storage.Definition)
			neg.AnchorFileVersionID = fv
			real := storagetest.Edge(ws, uid, "src/impl.go:1f2e3d4c:Run:30", storage.Definition)
			real.AnchorFileVersionID = fv
			storagetest.Store(t, b, neg, real)

			defs, err := b.GetDefinitionsForSymbol(ws, uid)
			require.NoError(t, err)
			require.Len(t, defs, 1)
			assert.Equal(t, "src/impl.go:1f2e3d4c:Run:30", defs[0].TargetUID)
			assert.Equal(t, fv, defs[0].AnchorFileVersionID)
		})
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	for name, b := range scenarioBackends(t) {
		t.Run(name, func(t *testing.T) {
			w1 := storagetest.Workspace(t, b, "/repo/one")
			w2 := storagetest.Workspace(t, b, "/repo/two")
			assert.NotEqual(t, w1, w2)

			got, err := b.GetWorkspace(w1)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "/repo/one", got.RootPath)
			assert.True(t, got.Active)

			missing, err := b.GetWorkspace(99999)
			require.NoError(t, err)
			assert.Nil(t, missing)

			all, err := b.ListWorkspaces()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, w1, all[0].ID, "list is ordered by id")
		})
	}
}

func TestStoreSymbolsAcceptsEmptyAndNonEmpty(t *testing.T) {
	for name, b := range scenarioBackends(t) {
		t.Run(name, func(t *testing.T) {
			ws := storagetest.Workspace(t, b, "/ws")
			require.NoError(t, b.StoreSymbols(nil))
			require.NoError(t, b.StoreSymbols([]storage.Symbol{
				{UID: "src/a.go:00000000:Foo:1", WorkspaceID: ws, Name: "Foo", Language: "go"},
			}))
		})
	}
}
