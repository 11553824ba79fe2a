// Package negedge builds the sentinel "negative edges" that memoize an LSP
// server having been asked a question and having legitimately answered with
// nothing (spec.md §4.10, C10). A negative edge is an ordinary storage.Edge
// whose TargetUID is the reserved literal "none"; writers persist it
// unchanged, and the typed readers in internal/storage filter it out of
// result lists while still treating its presence as proof analysis ran.
package negedge

import "github.com/standardbeagle/lsp-daemon/internal/storage"

// CreateNoneCallHierarchyEdges returns the two edges (incoming, outgoing)
// that memoize "call hierarchy was requested for uid and both sides came
// back empty".
func CreateNoneCallHierarchyEdges(workspaceID int64, uid string, fileVersionID int64) []storage.Edge {
	return []storage.Edge{
		{
			WorkspaceID:         workspaceID,
			SourceUID:           uid,
			TargetUID:           storage.NoneTarget,
			Relation:            storage.IncomingCall,
			Confidence:          1,
			AnchorFileVersionID: fileVersionID,
		},
		{
			WorkspaceID:         workspaceID,
			SourceUID:           uid,
			TargetUID:           storage.NoneTarget,
			Relation:            storage.OutgoingCall,
			Confidence:          1,
			AnchorFileVersionID: fileVersionID,
		},
	}
}

// CreateNoneReferenceEdge memoizes "references were requested for uid and
// none were found".
func CreateNoneReferenceEdge(workspaceID int64, uid string, fileVersionID int64) storage.Edge {
	return singleNone(workspaceID, uid, storage.Reference, fileVersionID)
}

// CreateNoneDefinitionEdge memoizes "definitions were requested for uid and
// none were found".
func CreateNoneDefinitionEdge(workspaceID int64, uid string, fileVersionID int64) storage.Edge {
	return singleNone(workspaceID, uid, storage.Definition, fileVersionID)
}

// CreateNoneImplementationEdge memoizes "implementations were requested for
// uid and none were found".
func CreateNoneImplementationEdge(workspaceID int64, uid string, fileVersionID int64) storage.Edge {
	return singleNone(workspaceID, uid, storage.Implementation, fileVersionID)
}

func singleNone(workspaceID int64, uid string, relation storage.Relation, fileVersionID int64) storage.Edge {
	return storage.Edge{
		WorkspaceID:         workspaceID,
		SourceUID:           uid,
		TargetUID:           storage.NoneTarget,
		Relation:            relation,
		Confidence:          1,
		AnchorFileVersionID: fileVersionID,
	}
}
