package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled(t *testing.T) {
	t.Setenv("LSP_LOG", "")
	assert.False(t, Enabled())

	t.Setenv("LSP_LOG", "1")
	assert.True(t, Enabled())

	t.Setenv("LSP_LOG", "0")
	assert.False(t, Enabled())
}

func TestLogfRespectsEnabled(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	t.Setenv("LSP_LOG", "0")
	Logf("pool", "spawned %d servers", 3)
	assert.Empty(t, buf.String())

	t.Setenv("LSP_LOG", "1")
	Logf("pool", "spawned %d servers", 3)
	assert.True(t, strings.Contains(buf.String(), "[pool]"))
	assert.True(t, strings.Contains(buf.String(), "spawned 3 servers"))
}
