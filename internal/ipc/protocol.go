// Package ipc is the local transport between cmd/lsp-cli and the daemon
// (spec.md §4.9/§6, C9): a Unix domain socket carrying a length-prefixed
// JSON message protocol, normative per §6 — each direction writes a 4-byte
// big-endian length prefix followed by the JSON-encoded message body.
//
// The socket itself is wired the way the teacher's internal/server package
// binds one (net.Listen("unix", path), unlinking any stale socket file on
// start), but the framing on top of it is this protocol's own: the teacher
// speaks HTTP over its socket, this daemon speaks length-prefixed frames, as
// the specification requires.
package ipc

import (
	"encoding/json"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/health"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

// MessageType tags a Frame's payload so the reader knows which concrete
// request/response type to decode it as, mirroring the original
// implementation's DaemonRequest/DaemonResponse enum variants (§6).
type MessageType string

const (
	TypeConnect           MessageType = "connect"
	TypeConnected         MessageType = "connected"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeStatus            MessageType = "status"
	TypeStatusResult      MessageType = "status_result"
	TypeListLanguages     MessageType = "list_languages"
	TypeLanguageList      MessageType = "language_list"
	TypeQuery             MessageType = "query"
	TypeQueryResult       MessageType = "query_result"
	TypeCallHierarchy     MessageType = "call_hierarchy"
	TypeCallHierarchyResult MessageType = "call_hierarchy_result"
	TypeShutdown          MessageType = "shutdown"
	TypeShutdownAck       MessageType = "shutdown_ack"
	TypeError             MessageType = "error"
)

// Frame is the envelope written after the 4-byte length prefix: a type tag
// plus the raw JSON payload for that type, decoded only once the caller
// knows which struct to decode it into.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// encodeFrame marshals v as a Frame's payload under msgType.
func encodeFrame(msgType MessageType, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: msgType, Payload: payload})
}

// requestIDOf pulls the request_id field out of any request payload without
// knowing its concrete type, so error responses can echo it even when the
// rest of the payload fails to decode.
func requestIDOf(raw json.RawMessage) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.RequestID
}

// ConnectRequest opens a logical session against a workspace; the daemon
// assigns a client id it expects back on every subsequent call so it can
// track per-client last-activity for the idle shutdown timer.
type ConnectRequest struct {
	RequestID     string `json:"request_id"`
	ClientID      string `json:"client_id,omitempty"`
	WorkspaceRoot string `json:"workspace_root"`
}

type ConnectResponse struct {
	RequestID     string `json:"request_id"`
	ClientID      string `json:"client_id"`
	WorkspaceID   int64  `json:"workspace_id"`
	DaemonVersion string `json:"daemon_version"`
}

type PingRequest struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id,omitempty"`
}

type PingResponse struct {
	RequestID  string `json:"request_id"`
	UptimeSecs int64  `json:"uptime_secs"`
}

type StatusRequest struct {
	RequestID string `json:"request_id"`
}

type PoolStatus struct {
	Language string `json:"language"`
	Ready    int    `json:"ready"`
	Busy     int    `json:"busy"`
	Total    int    `json:"total"`
}

// StatusResponse is the DaemonStatus of spec.md §6: uptime, per-pool
// counts, total requests served, and the live connection count, plus the
// health and cache counters the status command surfaces alongside them.
type StatusResponse struct {
	RequestID         string          `json:"request_id"`
	UptimeSecs        int64           `json:"uptime_secs"`
	Pools             []PoolStatus    `json:"pools"`
	TotalRequests     int64           `json:"total_requests"`
	ActiveConnections int             `json:"active_connections"`
	Health            []health.Status `json:"health"`
	Hits              int64           `json:"cache_hits"`
	Misses            int64           `json:"cache_misses"`
}

type ListLanguagesRequest struct {
	RequestID string `json:"request_id"`
}

type ListLanguagesResponse struct {
	RequestID string   `json:"request_id"`
	Languages []string `json:"languages"`
}

// QueryRequest carries one dispatcher request over the wire. Line/Column
// are 0-based, matching LSP's own convention.
type QueryRequest struct {
	RequestID          string          `json:"request_id"`
	ClientID           string          `json:"client_id,omitempty"`
	WorkspaceID        int64           `json:"workspace_id"`
	WorkspaceRoot      string          `json:"workspace_root"`
	FilePath           string          `json:"file_path"`
	Content            []byte          `json:"content"`
	Operation          cache.Operation `json:"operation"`
	Line               int             `json:"line"`
	Column             int             `json:"column"`
	SymbolUID          string          `json:"symbol_uid,omitempty"`
	SymbolName         string          `json:"symbol_name,omitempty"`
	IncludeDeclaration bool            `json:"include_declaration,omitempty"`
	TimeoutMillis      int             `json:"timeout_ms,omitempty"`
}

type QueryResponse struct {
	RequestID     string                 `json:"request_id"`
	CallHierarchy *storage.CallHierarchy `json:"call_hierarchy,omitempty"`
	Edges         []storage.Edge         `json:"edges,omitempty"`
	Blob          []byte                 `json:"blob,omitempty"`
	CacheHit      bool                   `json:"cache_hit"`
}

// CallHierarchyRequest is the pattern-addressed variant of spec.md §6: the
// caller names a symbol by text rather than by position, and the daemon
// locates the first line of file_path containing the pattern before
// dispatching.
type CallHierarchyRequest struct {
	RequestID     string `json:"request_id"`
	ClientID      string `json:"client_id,omitempty"`
	WorkspaceID   int64  `json:"workspace_id"`
	WorkspaceRoot string `json:"workspace_root"`
	FilePath      string `json:"file_path"`
	Pattern       string `json:"pattern"`
	TimeoutMillis int    `json:"timeout_ms,omitempty"`
}

type CallHierarchyResponse struct {
	RequestID string                 `json:"request_id"`
	Result    *storage.CallHierarchy `json:"result"`
	CacheHit  bool                   `json:"cache_hit"`
}

type ShutdownRequest struct {
	RequestID string `json:"request_id"`
}

type ShutdownResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

// ErrorResponse is the payload of a Frame tagged TypeError.
type ErrorResponse struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}
