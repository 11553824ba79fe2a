package ipc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

// Client talks to a running daemon over its Unix socket, one connection per
// call, speaking the length-prefixed frame protocol of spec.md §4.9/§6:
// write a request Frame, read a response Frame, decode its payload by the
// response's declared type. Every call carries a fresh request id the
// daemon echoes back, which the client verifies.
type Client struct {
	socketPath string
}

// NewClient constructs a Client bound to socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(ctx context.Context, reqType MessageType, reqBody interface{}, wantType MessageType, respBody interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return errors.Wrap(errors.Shutdown, "ipc request failed, daemon may not be running", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	out, err := encodeFrame(reqType, reqBody)
	if err != nil {
		return errors.Wrap(errors.InvalidInput, "encoding ipc request", err)
	}
	if err := writeFrame(conn, out); err != nil {
		return errors.Wrap(errors.Shutdown, "writing ipc request", err)
	}

	buf := make([]byte, 0, initialFrameBuffer)
	frame, err := readFrame(conn, &buf)
	if err != nil {
		return errors.Wrap(errors.Shutdown, "reading ipc response", err)
	}

	if frame.Type == TypeError {
		var errResp ErrorResponse
		_ = json.Unmarshal(frame.Payload, &errResp)
		kind := errors.Kind(errResp.Kind)
		if kind == "" {
			kind = errors.StorageError
		}
		return errors.New(kind, errResp.Message)
	}

	if frame.Type != wantType {
		return errors.New(errors.StorageError, "unexpected ipc response type: "+string(frame.Type))
	}

	var sent Frame
	_ = json.Unmarshal(out, &sent)
	if want, got := requestIDOf(sent.Payload), requestIDOf(frame.Payload); want != "" && got != want {
		return errors.New(errors.StorageError, "ipc response request id "+got+" does not match request "+want)
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(frame.Payload, respBody); err != nil {
		return errors.Wrap(errors.InvalidInput, "decoding ipc response", err)
	}
	return nil
}

func newRequestID() string {
	return uuid.New().String()
}

// Connect opens a session for workspaceRoot and returns the assigned
// client id, workspace id, and daemon version.
func (c *Client) Connect(ctx context.Context, workspaceRoot string) (ConnectResponse, error) {
	var resp ConnectResponse
	err := c.call(ctx, TypeConnect, ConnectRequest{RequestID: newRequestID(), WorkspaceRoot: workspaceRoot}, TypeConnected, &resp)
	return resp, err
}

// Ping checks that the daemon is alive and resets this client's idle
// timer.
func (c *Client) Ping(ctx context.Context, clientID string) (PingResponse, error) {
	var resp PingResponse
	err := c.call(ctx, TypePing, PingRequest{RequestID: newRequestID(), ClientID: clientID}, TypePong, &resp)
	return resp, err
}

// Status retrieves the daemon status: uptime, pool/health/cache counters,
// and connection counts.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, TypeStatus, StatusRequest{RequestID: newRequestID()}, TypeStatusResult, &resp)
	return resp, err
}

// ListLanguages returns every language with a registered server.
func (c *Client) ListLanguages(ctx context.Context) (ListLanguagesResponse, error) {
	var resp ListLanguagesResponse
	err := c.call(ctx, TypeListLanguages, ListLanguagesRequest{RequestID: newRequestID()}, TypeLanguageList, &resp)
	return resp, err
}

// Query dispatches one LSP-shaped request through the daemon.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}
	var resp QueryResponse
	err := c.call(ctx, TypeQuery, req, TypeQueryResult, &resp)
	return resp, err
}

// CallHierarchy resolves the call hierarchy of the symbol named by pattern
// in req.FilePath, locating it by text rather than position.
func (c *Client) CallHierarchy(ctx context.Context, req CallHierarchyRequest) (CallHierarchyResponse, error) {
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}
	var resp CallHierarchyResponse
	err := c.call(ctx, TypeCallHierarchy, req, TypeCallHierarchyResult, &resp)
	return resp, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) (ShutdownResponse, error) {
	var resp ShutdownResponse
	err := c.call(ctx, TypeShutdown, ShutdownRequest{RequestID: newRequestID()}, TypeShutdownAck, &resp)
	return resp, err
}

// IsServerRunning reports whether the daemon answers a ping within two
// seconds.
func (c *Client) IsServerRunning(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.Ping(pingCtx, "")
	return err == nil
}
