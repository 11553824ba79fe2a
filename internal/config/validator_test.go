package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsDefault(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestValidateRejectsZeroMaxSize(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxSize = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsExcessiveFailureThreshold(t *testing.T) {
	cfg := Default()
	cfg.Health.FailureThreshold = 100000
	require.Error(t, Validate(cfg))
}

func TestLoadRejectsExcessiveFailureThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lsp-daemon.kdl")
	content := "health {\n    failure-threshold 100000\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}
