// Package storagetest provides fixture builders for tests that exercise
// workspace and edge state against a storage.Backend, so scenario tests
// read as data rather than repeated struct literals.
package storagetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

// Workspace creates a workspace rooted at root and returns its id.
func Workspace(t *testing.T, b storage.Backend, root string) int64 {
	t.Helper()
	id, err := b.CreateWorkspace(root, 1, "")
	require.NoError(t, err)
	return id
}

// FileVersion records a file-version row and returns its id.
func FileVersion(t *testing.T, b storage.Backend, workspaceID int64, relPath, digest string) int64 {
	t.Helper()
	id, err := b.CreateFileVersion(workspaceID, relPath, digest)
	require.NoError(t, err)
	return id
}

// Edge builds a real (non-negative) edge between two symbol UIDs.
func Edge(workspaceID int64, source, target string, relation storage.Relation) storage.Edge {
	return storage.Edge{
		WorkspaceID: workspaceID,
		SourceUID:   source,
		TargetUID:   target,
		Relation:    relation,
		Confidence:  1,
	}
}

// NegativeEdge builds the relation's "none" edge for uid.
func NegativeEdge(workspaceID int64, uid string, relation storage.Relation) storage.Edge {
	return Edge(workspaceID, uid, storage.NoneTarget, relation)
}

// DeclarationEdge builds a reference edge flagged as the declaration site,
// which GetReferencesForSymbol filters when includeDeclaration is false.
func DeclarationEdge(workspaceID int64, source, target string) storage.Edge {
	e := Edge(workspaceID, source, target, storage.Reference)
	e.Metadata = map[string]string{"declaration": "true"}
	return e
}

// Store persists edges and fails the test on error.
func Store(t *testing.T, b storage.Backend, edges ...storage.Edge) {
	t.Helper()
	require.NoError(t, b.StoreEdges(edges))
}
