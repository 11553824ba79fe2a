package langdetect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

func TestDetectByExtension(t *testing.T) {
	lang, err := Detect("main.go")
	require.NoError(t, err)
	assert.Equal(t, "go", lang)

	lang, err = Detect("component.tsx")
	require.NoError(t, err)
	assert.Equal(t, "typescript", lang)
}

func TestDetectFromShebangWhenNoExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env python3\nprint('hi')\n"), 0o644))

	lang, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, "python", lang)
}

func TestDetectUnknownExtensionReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.zzz")
	require.NoError(t, os.WriteFile(path, []byte("not a script"), 0o644))

	_, err := Detect(path)
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.UnknownLanguage, kind)
}

func TestDetectFromExtensionDirect(t *testing.T) {
	lang, ok := DetectFromExtension("rs")
	require.True(t, ok)
	assert.Equal(t, "rust", lang)

	_, ok = DetectFromExtension("zzz")
	assert.False(t, ok)
}
