package uid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

func TestWorkspaceRelativeInsideWorkspace(t *testing.T) {
	rel := WorkspaceRelative("/home/user/project/src/lib.go", "/home/user/project")
	assert.Equal(t, "src/lib.go", rel)
}

func TestWorkspaceRelativeOutsideWorkspaceFallsBackToExternal(t *testing.T) {
	rel := WorkspaceRelative("/tmp/external.go", "/home/user/project")
	assert.Equal(t, "EXTERNAL:/tmp/external.go", rel)
}

func TestWorkspaceRelativeResolvesSymlinks(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "src"), 0o755))
	target := filepath.Join(workspace, "src", "lib.go")
	require.NoError(t, os.WriteFile(target, []byte("package lib\n"), 0o644))

	linkDir := filepath.Join(t.TempDir(), "ws-link")
	require.NoError(t, os.Symlink(workspace, linkDir))

	// A file reached through a symlinked root still prefix-matches the real
	// workspace root, not EXTERNAL.
	rel := WorkspaceRelative(filepath.Join(linkDir, "src", "lib.go"), workspace)
	assert.Equal(t, "src/lib.go", rel)

	// And the symlinked root names the same relative path as the real one,
	// so both spellings produce the same UID.
	assert.Equal(t, rel, WorkspaceRelative(target, linkDir))
}

func TestWorkspaceRelativeClassifiesGoModCache(t *testing.T) {
	rel := WorkspaceRelative(
		"/home/user/go/pkg/mod/github.com/foo/bar@v1.2.3/baz.go",
		"/home/user/project",
	)
	assert.Equal(t, "/dep/go/pkg/mod/github.com/foo/bar@v1.2.3/baz.go", rel)
}

func TestContentHashEmptyIsZeroes(t *testing.T) {
	assert.Equal(t, "00000000", ContentHash(nil))
	assert.Equal(t, "00000000", ContentHash([]byte{}))
}

func TestContentHashDeterministicAndSensitive(t *testing.T) {
	h1 := ContentHash([]byte("fn main() {}"))
	h2 := ContentHash([]byte("fn main() {}"))
	h3 := ContentHash([]byte("fn other() {}"))

	assert.Len(t, h1, 8)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestUIDRoundTrip(t *testing.T) {
	content := []byte("fn test_func() { return 42; }")
	id, err := UID("/project", "/project/src/test.go", content, "testFunc", 10)
	require.NoError(t, err)

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "src/test.go", parsed.Path)
	assert.Equal(t, ContentHash(content), parsed.Digest)
	assert.Equal(t, "testFunc", parsed.Name)
	assert.Equal(t, 10, parsed.Line)
}

func TestUIDRejectsEmptyName(t *testing.T) {
	_, err := UID("/project", "/project/main.go", []byte("x"), "", 1)
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidInput, kind)
}

func TestUIDRejectsZeroLine(t *testing.T) {
	_, err := UID("/project", "/project/main.go", []byte("x"), "main", 0)
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidInput, kind)
}

func TestValidateUID(t *testing.T) {
	assert.True(t, Validate("src/main.go:a1b2c3d4:main:1"))
	assert.True(t, Validate("EXTERNAL:/tmp/file.go:abcdef12:func:100"))

	assert.False(t, Validate(""))
	assert.False(t, Validate("invalid"))
	assert.False(t, Validate("a:b:c"))
	assert.False(t, Validate(":hash:symbol:1"))
	assert.False(t, Validate("path::symbol:1"))
	assert.False(t, Validate("path:hash::1"))
	assert.False(t, Validate("path:hash:symbol:0"))
	assert.False(t, Validate("path:hash:symbol:abc"))
	assert.False(t, Validate("path:1234567:symbol:1"))
	assert.False(t, Validate("path:123456789:symbol:1"))
	assert.False(t, Validate("path:1234567g:symbol:1"))
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse("invalid:uid")
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidUid, kind)
}

func TestParseHandlesExternalPathsWithEmbeddedColon(t *testing.T) {
	parsed, err := Parse("EXTERNAL:/tmp/file.go:abcdef12:func:100")
	require.NoError(t, err)
	assert.Equal(t, "EXTERNAL:/tmp/file.go", parsed.Path)
	assert.Equal(t, "abcdef12", parsed.Digest)
	assert.Equal(t, "func", parsed.Name)
	assert.Equal(t, 100, parsed.Line)
}
