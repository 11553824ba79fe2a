// Package storage is the embedded persistence backend (spec.md §4.2, C2):
// named logical sub-trees holding workspaces, file versions, symbols and
// edges, plus the typed readers the dispatcher uses to distinguish "never
// analyzed" from "analyzed, empty" from "populated" (§3's core invariant).
//
// Grounded on the teacher's internal/core/file_content_store.go (immutable,
// append-only content-addressed rows) and internal/core/universal_graph.go
// (typed edge storage over a generic graph substrate), adapted onto
// go.etcd.io/bbolt so the "named sub-tree" language of spec.md §4.2 maps
// directly onto bbolt buckets instead of the teacher's in-memory slabs.
package storage

import "fmt"

// Relation is the closed set of edge relation kinds spec.md §3 names.
type Relation string

const (
	IncomingCall   Relation = "IncomingCall"
	OutgoingCall   Relation = "OutgoingCall"
	Reference      Relation = "Reference"
	Definition     Relation = "Definition"
	Implementation Relation = "Implementation"
	Contains       Relation = "Contains"
	Implements     Relation = "Implements"
)

// NoneTarget is the reserved literal target_uid marking a negative edge: a
// row proving an LSP query was issued and legitimately returned nothing.
const NoneTarget = "none"

// Workspace is a single indexed source tree.
type Workspace struct {
	ID        int64  `json:"id"`
	RootPath  string `json:"root_path"`
	ProjectID int64  `json:"project_id"`
	Branch    string `json:"branch,omitempty"`
	Active    bool   `json:"active"`
}

// FileVersion is an immutable (workspace, relative path, content digest)
// row. A content change always produces a new row; prior rows remain as
// history anchors for edges (spec.md §3).
type FileVersion struct {
	ID            int64  `json:"id"`
	WorkspaceID   int64  `json:"workspace_id"`
	RelativePath  string `json:"relative_path"`
	ContentDigest string `json:"content_digest"`
}

// Symbol is a named, located definition site.
type Symbol struct {
	UID         string `json:"uid"`
	WorkspaceID int64  `json:"workspace_id"`
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Location is the optional reference-site location carried by an Edge.
type Location struct {
	FilePath string `json:"file_path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// Edge is a directed, typed relation between two symbol UIDs. TargetUID may
// be the reserved NoneTarget literal, in which case the edge is a negative
// edge (internal/negedge) rather than a real relation.
type Edge struct {
	WorkspaceID        int64             `json:"workspace_id"`
	SourceUID          string            `json:"source_uid"`
	TargetUID          string            `json:"target_uid"`
	Relation           Relation          `json:"relation"`
	Location           *Location         `json:"location,omitempty"`
	Confidence         float64           `json:"confidence"`
	Language           string            `json:"language,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	AnchorFileVersionID int64            `json:"anchor_file_version_id"`
}

// IsNegative reports whether e is a negative ("none") edge.
func (e Edge) IsNegative() bool {
	return e.TargetUID == NoneTarget
}

// CallItem is a single entry in a populated call-hierarchy result.
type CallItem struct {
	UID      string    `json:"uid"`
	Location *Location `json:"location,omitempty"`
}

// CallHierarchy is the Option<{incoming, outgoing}> result of
// get_call_hierarchy_for_symbol: nil means "never analyzed" (a cache miss);
// a non-nil value with empty slices means "analyzed and empty".
type CallHierarchy struct {
	Incoming []CallItem `json:"incoming"`
	Outgoing []CallItem `json:"outgoing"`
}

func (r Relation) String() string { return string(r) }

// validRelations is used by the storage backends' StoreEdges to reject
// unknown relation strings before an edge is written.
var validRelations = map[Relation]bool{
	IncomingCall:   true,
	OutgoingCall:   true,
	Reference:      true,
	Definition:     true,
	Implementation: true,
	Contains:       true,
	Implements:     true,
}

func validateRelation(r Relation) error {
	if !validRelations[r] {
		return fmt.Errorf("storage: unknown relation %q", r)
	}
	return nil
}
