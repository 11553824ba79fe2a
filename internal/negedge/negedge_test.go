package negedge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

func TestCreateNoneCallHierarchyEdges(t *testing.T) {
	edges := CreateNoneCallHierarchyEdges(1, "src/a.go:00000000:Foo:1", 7)
	assert.Len(t, edges, 2)
	assert.Equal(t, storage.IncomingCall, edges[0].Relation)
	assert.Equal(t, storage.OutgoingCall, edges[1].Relation)
	for _, e := range edges {
		assert.True(t, e.IsNegative())
		assert.Equal(t, int64(7), e.AnchorFileVersionID)
	}
}

func TestCreateNoneSingleEdges(t *testing.T) {
	uid := "src/a.go:00000000:Foo:1"
	ref := CreateNoneReferenceEdge(1, uid, 3)
	assert.Equal(t, storage.Reference, ref.Relation)
	assert.True(t, ref.IsNegative())

	def := CreateNoneDefinitionEdge(1, uid, 3)
	assert.Equal(t, storage.Definition, def.Relation)

	impl := CreateNoneImplementationEdge(1, uid, 3)
	assert.Equal(t, storage.Implementation, impl.Relation)
}
