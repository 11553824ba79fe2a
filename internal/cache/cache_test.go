package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(storage.NewMemoryBackend())
	require.NoError(t, err)
	return c
}

func TestKeyBytesDeterministic(t *testing.T) {
	k1 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "deadbeef", Line: 3, Column: 4}
	k2 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "deadbeef", Line: 3, Column: 4}
	assert.Equal(t, k1.Bytes(), k2.Bytes())

	k3 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "cafebabe", Line: 3, Column: 4}
	assert.NotEqual(t, k1.Bytes(), k3.Bytes())
}

func TestUniversalEntryRoundTrip(t *testing.T) {
	c := newTestCache(t)
	key := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "deadbeef", Line: 1, Column: 1}

	_, ok, err := c.GetUniversalEntry(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetUniversalEntry(key, []byte("hover text")))

	v, ok, err := c.GetUniversalEntry(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hover text", string(v))
}

func TestEntryMetadataTracksAccess(t *testing.T) {
	c := newTestCache(t)
	key := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "deadbeef", Line: 2, Column: 0}

	require.NoError(t, c.SetUniversalEntry(key, []byte("doc")))
	for i := 0; i < 2; i++ {
		_, ok, err := c.GetUniversalEntry(key)
		require.NoError(t, err)
		require.True(t, ok)
	}

	raw, err := c.universal.Get(key.Bytes())
	require.NoError(t, err)
	var env entryEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, int64(2), env.AccessCount)
	assert.Greater(t, env.CreatedAt, int64(0))
	assert.GreaterOrEqual(t, env.LastAccessed, env.CreatedAt)
}

func TestClearUniversalEntriesByPrefixUsesScan(t *testing.T) {
	c := newTestCache(t)
	k1 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "d1", Line: 1}
	k2 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "d1", Line: 2}
	k3 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "b.go", ContentDigest: "d2", Line: 1}

	require.NoError(t, c.SetUniversalEntry(k1, []byte("x")))
	require.NoError(t, c.SetUniversalEntry(k2, []byte("y")))
	require.NoError(t, c.SetUniversalEntry(k3, []byte("z")))

	prefix := WorkspaceOperationPrefix(1, OpHover, "a.go", "d1")
	n, err := c.ClearUniversalEntriesByPrefix(prefix)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, _ := c.GetUniversalEntry(k1)
	assert.False(t, ok)
	_, ok, _ = c.GetUniversalEntry(k3)
	assert.True(t, ok)
}

func TestUpdateHitMissCountsConcurrentBoth(t *testing.T) {
	c := newTestCache(t)

	one := int64(1)
	counts, err := c.UpdateHitMissCounts(&one, &one)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Hits)
	assert.Equal(t, int64(1), counts.Misses)

	five := int64(5)
	counts, err = c.UpdateHitMissCounts(&five, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts.Hits)
	assert.Equal(t, int64(1), counts.Misses)
}

func TestDedupEvictsOldestOverCap(t *testing.T) {
	c := newTestCache(t)
	c.SetPolicy(OpHover, Policy{Enabled: true, Scope: ScopeFileContent, Priority: 9, MaxEntriesPerWorkspace: 2})

	k1 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "d1", Line: 1}
	k2 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "d1", Line: 2}
	k3 := Key{WorkspaceID: 1, Operation: OpHover, RelativePath: "a.go", ContentDigest: "d1", Line: 3}

	require.NoError(t, c.SetUniversalEntry(k1, []byte("1")))
	require.NoError(t, c.SetUniversalEntry(k2, []byte("2")))
	require.NoError(t, c.SetUniversalEntry(k3, []byte("3")))

	_, ok, _ := c.GetUniversalEntry(k1)
	assert.False(t, ok, "oldest entry should have been evicted once the cap was exceeded")

	_, ok, _ = c.GetUniversalEntry(k3)
	assert.True(t, ok)
}

func TestDefaultPoliciesMatchSpec(t *testing.T) {
	policies := DefaultPolicies()
	assert.Equal(t, 10, policies[OpCallHierarchy].Priority)
	assert.Equal(t, 9, policies[OpHover].Priority)
	assert.False(t, policies[OpCompletion].Enabled)
	assert.False(t, policies[OpRename].Enabled)
	assert.False(t, policies[OpCodeAction].Enabled)
	assert.Equal(t, ScopeWorkspace, policies[OpCallHierarchy].Scope)
	assert.Equal(t, ScopeFileContent, policies[OpDefinition].Scope)
}
