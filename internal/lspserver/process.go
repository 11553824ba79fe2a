// Package lspserver manages a single LSP child process: JSON-RPC framing
// over its stdio pipes, the initialize/initialized handshake, readiness
// state, and the typed request helpers the pool and dispatcher call through
// (spec.md §4.4, C4).
//
// Grounded on the Content-Length-framed stdin/stdout client pattern common
// across the retrieved corpus's editor-integration code (e.g. the
// validation package's LSPServer): a dedicated reader goroutine demuxing
// framed JSON-RPC messages by id into waiting futures, and a writer that
// serializes Content-Length-prefixed frames onto the child's stdin.
package lspserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/logging"
)

// State is one of the process's lifecycle states (spec.md §4.4).
type State int32

const (
	StateSpawning State = iota
	StateInitializing
	StateReady
	StateBusy
	StateShuttingDown
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateShuttingDown:
		return "shutting_down"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// rpcRequest/rpcResponse/rpcNotification mirror the JSON-RPC 2.0 envelope
// LSP runs over.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Process is a single spawned language-server child, exclusive owned by the
// pool while ready and by one handler while checked out (spec.md §3).
type Process struct {
	ID       string
	Language string
	Command  string
	Args     []string
	Root     string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	state int32 // atomic State

	nextID  int64
	pending sync.Map // map[int64]chan *rpcResponse

	writeMu sync.Mutex

	openDocs sync.Map // map[string]struct{}, paths currently open via didOpen

	readyCh chan struct{}
	readyOnce sync.Once
	deadCh  chan struct{}
	deadOnce sync.Once
}

// Spawn starts the child process and kicks off its reader goroutine. The
// caller must still call Initialize to complete the handshake before
// issuing typed requests.
func Spawn(ctx context.Context, language, command string, args []string, root string) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.LspInitialization, "creating stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.LspInitialization, "creating stdout pipe", err)
	}
	// LSP servers log to stderr; the daemon discards it rather than
	// interleaving a second process's output into its own.
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.LspInitialization, fmt.Sprintf("starting %s", command), err)
	}

	p := &Process{
		ID:       uuid.New().String(),
		Language: language,
		Command:  command,
		Args:     args,
		Root:     root,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		state:    int32(StateSpawning),
		readyCh:  make(chan struct{}),
		deadCh:   make(chan struct{}),
	}

	go p.readLoop()
	go p.watchExit()

	atomic.StoreInt32(&p.state, int32(StateInitializing))
	return p, nil
}

func (p *Process) watchExit() {
	_ = p.cmd.Wait()
	atomic.StoreInt32(&p.state, int32(StateDead))
	p.deadOnce.Do(func() { close(p.deadCh) })
	logging.Logf("lspserver", "%s process for %s exited", p.Language, p.Root)
}

func (p *Process) readLoop() {
	reader := bufio.NewReader(p.stdout)
	for {
		content, err := readFrame(reader)
		if err != nil {
			return
		}
		p.dispatchIncoming(content)
	}
}

// readFrame reads one Content-Length-framed JSON-RPC message per spec.md
// §4.4: "Content-Length: N\r\n\r\n<N bytes of JSON>".
func readFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			if err != nil {
				return nil, errors.Wrap(errors.LspFraming, "invalid Content-Length header", err)
			}
			contentLength = n
		}
	}
	if contentLength <= 0 {
		return nil, errors.New(errors.LspFraming, "missing or zero Content-Length header")
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(errors.LspFraming, "reading frame body", err)
	}
	return buf, nil
}

func (p *Process) dispatchIncoming(content []byte) {
	var probe struct {
		ID     json.Number `json:"id"`
		Method string      `json:"method"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return
	}
	if probe.ID == "" {
		// Notification from the server (diagnostics, logs, ...); the
		// dispatcher doesn't consume these directly in this core.
		return
	}
	var resp rpcResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		return
	}
	if ch, ok := p.pending.LoadAndDelete(resp.ID); ok {
		ch.(chan *rpcResponse) <- &resp
	}
}

func (p *Process) writeFrame(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.LspProtocol, "marshaling rpc message", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(buf.Bytes()); err != nil {
		return errors.Wrap(errors.LspProcessExit, "writing to child stdin", err)
	}
	return nil
}

// SendRequest issues a JSON-RPC request and blocks until its response
// arrives, returning the result. On ctx cancellation it sends
// $/cancelRequest and returns an LspTimeout error; if the process exits
// first it returns an LspProcessExit error.
func (p *Process) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&p.nextID, 1)
	respCh := make(chan *rpcResponse, 1)
	p.pending.Store(id, respCh)
	defer p.pending.Delete(id)

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := p.writeFrame(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, errors.New(errors.LspProtocol, fmt.Sprintf("%s: %s", method, resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.cancelRequest(id)
		return nil, errors.Wrap(errors.LspTimeout, method+" timed out", ctx.Err())
	case <-p.deadCh:
		return nil, errors.New(errors.LspProcessExit, method+": process exited")
	}
}

// cancelRequest issues the LSP $/cancelRequest notification, the
// best-effort cancellation propagation of spec.md §4.8.
func (p *Process) cancelRequest(id int64) {
	_ = p.SendNotification("$/cancelRequest", map[string]interface{}{"id": id})
}

// SendNotification issues a JSON-RPC notification (no response expected).
func (p *Process) SendNotification(method string, params interface{}) error {
	return p.writeFrame(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Process) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// WaitUntilReady blocks until Initialize completes or timeout elapses.
func (p *Process) WaitUntilReady(timeout time.Duration) error {
	select {
	case <-p.readyCh:
		return nil
	case <-time.After(timeout):
		return errors.New(errors.LspInitialization, "timed out waiting for server to become ready")
	case <-p.deadCh:
		return errors.New(errors.LspProcessExit, "process exited during initialization")
	}
}

// Initialize performs the LSP initialize/initialized handshake.
func (p *Process) Initialize(ctx context.Context, initOptions map[string]interface{}) error {
	pid := p.cmd.Process.Pid
	params := map[string]interface{}{
		"processId":    pid,
		"rootUri":      "file://" + p.Root,
		"rootPath":     p.Root,
		"capabilities": map[string]interface{}{},
	}
	if initOptions != nil {
		params["initializationOptions"] = initOptions
	}

	if _, err := p.SendRequest(ctx, "initialize", params); err != nil {
		return errors.Wrap(errors.LspInitialization, "initialize request failed", err)
	}
	if err := p.SendNotification("initialized", map[string]interface{}{}); err != nil {
		return errors.Wrap(errors.LspInitialization, "initialized notification failed", err)
	}

	p.setState(StateReady)
	p.readyOnce.Do(func() { close(p.readyCh) })
	return nil
}

// OpenDocument issues textDocument/didOpen if path isn't already tracked as
// open (spec.md §4.4's document lifecycle helpers).
func (p *Process) OpenDocument(path string, contents []byte, languageID string) error {
	if _, loaded := p.openDocs.LoadOrStore(path, struct{}{}); loaded {
		return nil
	}
	return p.SendNotification("textDocument/didOpen", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":        "file://" + path,
			"languageId": languageID,
			"version":    1,
			"text":       string(contents),
		},
	})
}

// CloseDocument issues textDocument/didClose and forgets the open-doc entry.
func (p *Process) CloseDocument(path string) error {
	p.openDocs.Delete(path)
	return p.SendNotification("textDocument/didClose", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": "file://" + path},
	})
}

// CallHierarchy issues textDocument/prepareCallHierarchy at (path, line,
// col) and returns the raw LSP result for the dispatcher to classify.
func (p *Process) CallHierarchy(ctx context.Context, path string, line, col int) (json.RawMessage, error) {
	return p.SendRequest(ctx, "textDocument/prepareCallHierarchy", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": "file://" + path},
		"position":     map[string]interface{}{"line": line, "character": col},
	})
}

// IncomingCalls resolves the incoming side of a prepared call-hierarchy
// item. item is one element of the prepareCallHierarchy result, passed back
// verbatim per the LSP contract.
func (p *Process) IncomingCalls(ctx context.Context, item json.RawMessage) (json.RawMessage, error) {
	return p.SendRequest(ctx, "callHierarchy/incomingCalls", map[string]interface{}{"item": item})
}

// OutgoingCalls resolves the outgoing side of a prepared call-hierarchy
// item.
func (p *Process) OutgoingCalls(ctx context.Context, item json.RawMessage) (json.RawMessage, error) {
	return p.SendRequest(ctx, "callHierarchy/outgoingCalls", map[string]interface{}{"item": item})
}

// Shutdown issues the graceful LSP shutdown/exit sequence; on timeout it
// force-kills the child (spec.md §4.4).
func (p *Process) Shutdown(timeout time.Duration) error {
	p.setState(StateShuttingDown)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, _ = p.SendRequest(ctx, "shutdown", nil)
		_ = p.SendNotification("exit", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	// Closing stdin lets servers that ignore the exit notification observe
	// EOF and terminate without waiting to be killed.
	_ = p.stdin.Close()

	select {
	case <-p.deadCh:
		return nil
	case <-time.After(timeout):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		return nil
	}
}

// PID exposes the child process id (used for health-check/status reporting).
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
