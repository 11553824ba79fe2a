package lspregistry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinDefaults(t *testing.T) {
	r := New()
	cfg, ok := r.Get("go")
	require.True(t, ok)
	assert.Equal(t, "gopls", cfg.Command)
}

func TestLoadOverridesBuiltin(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "registry.toml")
	contents := `
[servers.go]
command = "custom-gopls"
args = ["serve", "--debug"]

[servers.zig]
command = "zls"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	require.NoError(t, r.Load(path))

	cfg, ok := r.Get("go")
	require.True(t, ok)
	assert.Equal(t, "custom-gopls", cfg.Command)
	assert.Equal(t, []string{"serve", "--debug"}, cfg.Args)

	cfg, ok = r.Get("zig")
	require.True(t, ok)
	assert.Equal(t, "zls", cfg.Command)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	r := New()
	err := r.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.NoError(t, err)
}

func TestListAvailableServersSorted(t *testing.T) {
	r := New()
	langs := r.ListAvailableServers()
	require.NotEmpty(t, langs)
	for i := 1; i < len(langs); i++ {
		assert.LessOrEqual(t, langs[i-1], langs[i])
	}
}
