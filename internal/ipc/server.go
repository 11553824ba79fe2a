package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/dispatch"
	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/health"
	"github.com/standardbeagle/lsp-daemon/internal/logging"
	"github.com/standardbeagle/lsp-daemon/internal/lspregistry"
	"github.com/standardbeagle/lsp-daemon/internal/pool"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
	"github.com/standardbeagle/lsp-daemon/internal/version"
)

// DefaultSocketPath returns the deterministic per-user socket path
// (spec.md §4.9): one daemon per user under the OS temp directory, rather
// than one per workspace, since a single daemon fans out to many pools.
func DefaultSocketPath() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("lsp-daemon-%s.sock", name))
}

// initialFrameBuffer mirrors spec.md §4.9's "64-KiB initial read buffer
// grows to accommodate larger payloads".
const initialFrameBuffer = 64 * 1024

type clientState struct {
	workspaceRoot string
	lastActivity  time.Time
}

// Server is the daemon's IPC frontend: a Unix socket listener where each
// accepted connection runs its own read-dispatch-write loop speaking the
// length-prefixed frame protocol of spec.md §4.9/§6, bound to the socket
// the way the teacher's internal/server package binds one
// (net.Listen("unix", path), stale socket unlinked on start).
type Server struct {
	socketPath string
	backend    storage.Backend
	cache      *cache.Cache
	pools      *pool.Manager
	healthMon  *health.Monitor
	registry   *lspregistry.Registry
	dispatcher *dispatch.Dispatcher

	idleTimeout    time.Duration
	idleCheckEvery time.Duration
	startTime      time.Time

	onWorkspaceConnect func(workspaceID int64, root string)

	listener net.Listener

	mu      sync.Mutex
	clients map[string]*clientState

	totalRequests     int64 // atomic
	activeConnections int64 // atomic

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Config bundles the already-wired components a Server dispatches into.
type Config struct {
	SocketPath     string
	Backend        storage.Backend
	Cache          *cache.Cache
	Pools          *pool.Manager
	Health         *health.Monitor
	Registry       *lspregistry.Registry
	Dispatcher     *dispatch.Dispatcher
	IdleTimeout    time.Duration
	IdleCheckEvery time.Duration

	// OnWorkspaceConnect, when set, is invoked after a Connect request
	// resolves its workspace; the daemon uses it to start the workspace's
	// file watcher.
	OnWorkspaceConnect func(workspaceID int64, root string)
}

// New constructs a Server. The socket is not bound until Start.
func New(cfg Config) *Server {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 24 * time.Hour
	}
	idleCheckEvery := cfg.IdleCheckEvery
	if idleCheckEvery <= 0 {
		idleCheckEvery = 60 * time.Second
	}

	return &Server{
		socketPath:     socketPath,
		backend:        cfg.Backend,
		cache:          cfg.Cache,
		pools:          cfg.Pools,
		healthMon:      cfg.Health,
		registry:       cfg.Registry,
		dispatcher:     cfg.Dispatcher,
		idleTimeout:        idleTimeout,
		idleCheckEvery:     idleCheckEvery,
		onWorkspaceConnect: cfg.OnWorkspaceConnect,
		startTime:          time.Now(),
		clients:        make(map[string]*clientState),
		shutdownCh:     make(chan struct{}),
	}
}

// Start binds the Unix socket (removing any stale file left by a prior
// crashed daemon) and begins accepting connections in the background.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(errors.Shutdown, "binding ipc socket", err)
	}
	os.Chmod(s.socketPath, 0600)
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.idleCheckLoop()
	}()

	logging.Logf("ipc", "listening on %s", s.socketPath)
	return nil
}

// acceptLoop accepts connections until the listener is closed by Shutdown,
// spawning one handler goroutine per connection (spec.md §4.9's
// per-connection loop).
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			if errIsClosed(err) {
				return
			}
			logging.Logf("ipc", "accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func errIsClosed(err error) bool {
	return err != nil && (err == io.EOF || err == net.ErrClosed || strings.Contains(err.Error(), "use of closed network connection"))
}

type readResult struct {
	frame Frame
	err   error
}

// handleConn runs one connection's read-dispatch-write loop: a fresh client
// id, then repeatedly read a frame, dispatch it, write the response, until
// EOF or a Shutdown response is written (spec.md §4.9). Frames are read by
// a dedicated goroutine so a peer hang-up mid-dispatch is observed as an
// early read error, which cancels the in-flight dispatch context; the
// dispatcher then propagates $/cancelRequest to the language server
// best-effort (spec.md §4.8 Cancellation).
func (s *Server) handleConn(conn net.Conn) {
	clientID := uuid.New().String()
	s.touch(clientID, "")
	atomic.AddInt64(&s.activeConnections, 1)

	connDone := make(chan struct{})
	defer func() {
		atomic.AddInt64(&s.activeConnections, -1)
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		close(connDone)
		conn.Close()
	}()

	reads := make(chan readResult)
	go func() {
		buf := make([]byte, 0, initialFrameBuffer)
		r := bufio.NewReader(conn)
		for {
			frame, err := readFrame(r, &buf)
			select {
			case reads <- readResult{frame: frame, err: err}:
			case <-connDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var pending *readResult
	for {
		var rr readResult
		if pending != nil {
			rr = *pending
			pending = nil
		} else {
			rr = <-reads
		}
		if rr.err != nil {
			if rr.err != io.EOF && !errIsClosed(rr.err) {
				logging.Logf("ipc", "client %s read error: %v", clientID, rr.err)
			}
			return
		}

		atomic.AddInt64(&s.totalRequests, 1)

		ctx, cancel := context.WithCancel(context.Background())
		type handled struct {
			respType MessageType
			payload  interface{}
		}
		done := make(chan handled, 1)
		go func(frame Frame) {
			respType, payload := s.handleFrame(ctx, clientID, frame)
			done <- handled{respType, payload}
		}(rr.frame)

		var resp handled
		select {
		case resp = <-done:
		case next := <-reads:
			if next.err != nil {
				// Peer hung up mid-dispatch: cancel the in-flight work and
				// let the handler finish (its cache fill completes if the
				// LSP response races the cancellation) before closing.
				cancel()
				<-done
				return
			}
			// A pipelined frame arrived before the current response was
			// written; hold it and process it next iteration.
			pending = &next
			resp = <-done
		}
		cancel()

		out, err := encodeFrame(resp.respType, resp.payload)
		if err != nil {
			logging.Logf("ipc", "client %s encode error: %v", clientID, err)
			return
		}
		if err := writeFrame(conn, out); err != nil {
			logging.Logf("ipc", "client %s write error: %v", clientID, err)
			return
		}

		if resp.respType == TypeShutdownAck {
			s.triggerShutdown()
			return
		}
	}
}

// readFrame reads a 4-byte big-endian length prefix followed by that many
// bytes of JSON body, reusing *buf across calls and growing it past its
// 64-KiB initial capacity only when a payload requires it.
func readFrame(r io.Reader, buf *[]byte) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenPrefix[:]))

	if cap(*buf) < msgLen {
		*buf = make([]byte, msgLen)
	} else {
		*buf = (*buf)[:msgLen]
	}
	if _, err := io.ReadFull(r, *buf); err != nil {
		return Frame{}, err
	}

	var frame Frame
	if err := json.Unmarshal(*buf, &frame); err != nil {
		return Frame{}, errors.Wrap(errors.InvalidInput, "decoding frame", err)
	}
	return frame, nil
}

// writeFrame writes body (an already-encoded Frame) prefixed by its
// 4-byte big-endian length.
func writeFrame(w io.Writer, body []byte) error {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// handleFrame dispatches one decoded frame to the matching handler and
// returns the response's type and payload.
func (s *Server) handleFrame(ctx context.Context, clientID string, frame Frame) (MessageType, interface{}) {
	switch frame.Type {
	case TypeConnect:
		return s.handleConnect(frame.Payload)
	case TypePing:
		return s.handlePing(clientID, frame.Payload)
	case TypeStatus:
		return s.handleStatus(frame.Payload)
	case TypeListLanguages:
		return s.handleListLanguages(frame.Payload)
	case TypeQuery:
		return s.handleQuery(ctx, clientID, frame.Payload)
	case TypeCallHierarchy:
		return s.handleCallHierarchy(ctx, clientID, frame.Payload)
	case TypeShutdown:
		return s.handleShutdown(frame.Payload)
	default:
		return TypeError, ErrorResponse{
			RequestID: requestIDOf(frame.Payload),
			Kind:      string(errors.InvalidInput),
			Message:   "unknown message type: " + string(frame.Type),
		}
	}
}

// errResponse stringifies an error kind plus a short message without
// leaking backend internals verbatim (spec.md §7).
func errResponse(requestID string, err error) (MessageType, interface{}) {
	kind, ok := errors.KindOf(err)
	if !ok {
		kind = errors.StorageError
	}
	return TypeError, ErrorResponse{RequestID: requestID, Kind: string(kind), Message: err.Error()}
}

func (s *Server) touch(clientID, workspaceRoot string) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clients[clientID]
	if !ok {
		st = &clientState{}
		s.clients[clientID] = st
	}
	st.lastActivity = time.Now()
	if workspaceRoot != "" {
		st.workspaceRoot = workspaceRoot
	}
}

func (s *Server) handleConnect(raw json.RawMessage) (MessageType, interface{}) {
	var req ConnectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(requestIDOf(raw), errors.Wrap(errors.InvalidInput, "decoding connect request", err))
	}

	workspaceID, err := s.backend.CreateWorkspace(req.WorkspaceRoot, 0, "")
	if err != nil {
		return errResponse(req.RequestID, errors.Wrap(errors.StorageError, "creating workspace", err))
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	s.touch(clientID, req.WorkspaceRoot)

	if s.onWorkspaceConnect != nil {
		s.onWorkspaceConnect(workspaceID, req.WorkspaceRoot)
	}

	return TypeConnected, ConnectResponse{
		RequestID:     req.RequestID,
		ClientID:      clientID,
		WorkspaceID:   workspaceID,
		DaemonVersion: version.Version,
	}
}

func (s *Server) handlePing(clientID string, raw json.RawMessage) (MessageType, interface{}) {
	var req PingRequest
	_ = json.Unmarshal(raw, &req)
	id := req.ClientID
	if id == "" {
		id = clientID
	}
	s.touch(id, "")
	return TypePong, PingResponse{
		RequestID:  req.RequestID,
		UptimeSecs: int64(time.Since(s.startTime).Seconds()),
	}
}

func (s *Server) handleStatus(raw json.RawMessage) (MessageType, interface{}) {
	var req StatusRequest
	_ = json.Unmarshal(raw, &req)

	poolStats := s.pools.GetAllStats()
	pools := make([]PoolStatus, 0, len(poolStats))
	for _, p := range poolStats {
		pools = append(pools, PoolStatus{Language: p.Language, Ready: p.Ready, Busy: p.Busy, Total: p.Total})
	}

	counts, err := s.cache.UpdateHitMissCounts(nil, nil)
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	return TypeStatusResult, StatusResponse{
		RequestID:         req.RequestID,
		UptimeSecs:        int64(time.Since(s.startTime).Seconds()),
		Pools:             pools,
		TotalRequests:     atomic.LoadInt64(&s.totalRequests),
		ActiveConnections: int(atomic.LoadInt64(&s.activeConnections)),
		Health:            s.healthMon.Snapshot(),
		Hits:              counts.Hits,
		Misses:            counts.Misses,
	}
}

func (s *Server) handleListLanguages(raw json.RawMessage) (MessageType, interface{}) {
	var req ListLanguagesRequest
	_ = json.Unmarshal(raw, &req)
	return TypeLanguageList, ListLanguagesResponse{
		RequestID: req.RequestID,
		Languages: s.registry.ListAvailableServers(),
	}
}

func (s *Server) handleQuery(ctx context.Context, clientID string, raw json.RawMessage) (MessageType, interface{}) {
	var req QueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(requestIDOf(raw), errors.Wrap(errors.InvalidInput, "decoding query request", err))
	}
	id := req.ClientID
	if id == "" {
		id = clientID
	}
	s.touch(id, req.WorkspaceRoot)

	result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkspaceID:        req.WorkspaceID,
		WorkspaceRoot:      req.WorkspaceRoot,
		FilePath:           req.FilePath,
		Content:            req.Content,
		Operation:          req.Operation,
		Line:               req.Line,
		Column:             req.Column,
		SymbolUID:          req.SymbolUID,
		SymbolName:         req.SymbolName,
		IncludeDeclaration: req.IncludeDeclaration,
		Timeout:            time.Duration(req.TimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	return TypeQueryResult, QueryResponse{
		RequestID:     req.RequestID,
		CallHierarchy: result.CallHierarchy,
		Edges:         result.Edges,
		Blob:          result.Blob,
		CacheHit:      result.CacheHit,
	}
}

// handleCallHierarchy serves the pattern-addressed call-hierarchy request:
// the first occurrence of pattern is located by scanning file_path's current
// content, then the request goes through the ordinary dispatch flow so the
// cache, pool, and negative-edge machinery all apply.
func (s *Server) handleCallHierarchy(ctx context.Context, clientID string, raw json.RawMessage) (MessageType, interface{}) {
	var req CallHierarchyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(requestIDOf(raw), errors.Wrap(errors.InvalidInput, "decoding call hierarchy request", err))
	}
	id := req.ClientID
	if id == "" {
		id = clientID
	}
	s.touch(id, req.WorkspaceRoot)

	content, err := os.ReadFile(req.FilePath)
	if err != nil {
		return errResponse(req.RequestID, errors.Wrap(errors.InvalidInput, "reading "+req.FilePath, err))
	}

	line, column, ok := findPattern(content, req.Pattern)
	if !ok {
		return errResponse(req.RequestID, errors.New(errors.InvalidInput, "pattern "+req.Pattern+" not found in "+req.FilePath))
	}

	result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkspaceID:   req.WorkspaceID,
		WorkspaceRoot: req.WorkspaceRoot,
		FilePath:      req.FilePath,
		Content:       content,
		Operation:     cache.OpCallHierarchy,
		Line:          line,
		Column:        column,
		SymbolName:    req.Pattern,
		Timeout:       time.Duration(req.TimeoutMillis) * time.Millisecond,
	})
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	return TypeCallHierarchyResult, CallHierarchyResponse{
		RequestID: req.RequestID,
		Result:    result.CallHierarchy,
		CacheHit:  result.CacheHit,
	}
}

// findPattern locates the first occurrence of pattern in content, returning
// its 0-based line and column per LSP convention.
func findPattern(content []byte, pattern string) (line, column int, ok bool) {
	if pattern == "" {
		return 0, 0, false
	}
	for i, l := range strings.Split(string(content), "\n") {
		if idx := strings.Index(l, pattern); idx >= 0 {
			return i, idx, true
		}
	}
	return 0, 0, false
}

func (s *Server) handleShutdown(raw json.RawMessage) (MessageType, interface{}) {
	var req ShutdownRequest
	_ = json.Unmarshal(raw, &req)
	return TypeShutdownAck, ShutdownResponse{RequestID: req.RequestID, Success: true, Message: "daemon shutting down"}
}

func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// idleCheckLoop watches for the idle timeout: no client has touched any
// session within idleTimeout. It never looks at whether pools are busy
// directly; an in-flight request always belongs to a recently-touched
// client, so idleness of all clients implies idleness of the daemon.
func (s *Server) idleCheckLoop() {
	ticker := time.NewTicker(s.idleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.allClientsIdleFor(s.idleTimeout) {
				logging.Logf("ipc", "idle timeout reached, shutting down")
				s.triggerShutdown()
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// allClientsIdleFor reports whether the daemon may shut down for idleness:
// every tracked session's last activity is older than the cutoff, the
// connection set is empty (a live-but-idle connection blocks shutdown),
// and the daemon's own uptime exceeds the timeout.
func (s *Server) allClientsIdleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-d)
	for _, st := range s.clients {
		if st.lastActivity.After(cutoff) {
			return false
		}
	}
	return atomic.LoadInt64(&s.activeConnections) == 0 && time.Since(s.startTime) > d
}

// Wait blocks until a shutdown has been triggered (via a Shutdown message
// or the idle timer).
func (s *Server) Wait() {
	<-s.shutdownCh
}

// Shutdown stops accepting connections, waits for in-flight connection
// handlers and background goroutines, and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.triggerShutdown()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		os.Remove(s.socketPath)
		return errors.Wrap(errors.Shutdown, "waiting for ipc connections to close", ctx.Err())
	}

	os.Remove(s.socketPath)
	return nil
}
