package lspserver

import (
	"bufio"
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameParsesContentLength(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	var buf bytes.Buffer
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(body)

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameIgnoresExtraHeaders(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	var buf bytes.Buffer
	buf.WriteString("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n")
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(body)

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameMissingContentLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\r\n")
	_, err := readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "dead", StateDead.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
}

