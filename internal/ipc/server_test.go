package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/dispatch"
	"github.com/standardbeagle/lsp-daemon/internal/health"
	"github.com/standardbeagle/lsp-daemon/internal/lspregistry"
	"github.com/standardbeagle/lsp-daemon/internal/lspserver"
	"github.com/standardbeagle/lsp-daemon/internal/pool"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	return newTestServerWithIdle(t, time.Hour, time.Hour)
}

func newTestServerWithIdle(t *testing.T, idleTimeout, idleCheckEvery time.Duration) (*Server, *Client) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	c, err := cache.New(backend)
	require.NoError(t, err)

	pools := pool.NewManager(pool.DefaultConfig(), func(language, root string) pool.Spawner {
		return func(ctx context.Context) (*lspserver.Process, error) {
			proc, err := lspserver.Spawn(ctx, language, "cat", nil, root)
			if err != nil {
				return nil, err
			}
			return proc, proc.Initialize(ctx, nil)
		}
	})
	healthMon := health.NewMonitor(health.DefaultConfig(), nil)
	registry := lspregistry.New()
	dispatcher := dispatch.New(backend, c, pools, healthMon, registry)

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := New(Config{
		SocketPath:     socketPath,
		Backend:        backend,
		Cache:          c,
		Pools:          pools,
		Health:         healthMon,
		Registry:       registry,
		Dispatcher:     dispatcher,
		IdleTimeout:    idleTimeout,
		IdleCheckEvery: idleCheckEvery,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		pools.ShutdownAll(ctx)
	})

	return srv, NewClient(socketPath)
}

func TestConnectAndPing(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ClientID)
	assert.NotEmpty(t, conn.RequestID)
	assert.NotEmpty(t, conn.DaemonVersion)

	_, err = client.Ping(ctx, conn.ClientID)
	require.NoError(t, err)
}

func TestResponseEchoesRequestID(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp PingResponse
	err := client.call(ctx, TypePing, PingRequest{RequestID: "req-42"}, TypePong, &resp)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestListLanguagesReturnsBuiltinDefaults(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.ListLanguages(ctx)
	require.NoError(t, err)
	assert.Contains(t, resp.Languages, "go")
}

func TestStatusReportsDaemonCounters(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Ping(ctx, "")
	require.NoError(t, err)

	resp, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, resp.Pools)
	assert.GreaterOrEqual(t, resp.UptimeSecs, int64(0))
	assert.GreaterOrEqual(t, resp.TotalRequests, int64(1), "the ping should have been counted")
}

func TestQueryRoundTrip(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := t.TempDir()
	conn, err := client.Connect(ctx, root)
	require.NoError(t, err)

	resp, err := client.Query(ctx, QueryRequest{
		ClientID:      conn.ClientID,
		WorkspaceID:   conn.WorkspaceID,
		WorkspaceRoot: root,
		FilePath:      root + "/main.go",
		Content:       []byte("package main\n"),
		Operation:     cache.OpCallHierarchy,
		SymbolName:    "main",
		Line:          1,
		TimeoutMillis: 3000,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.CallHierarchy)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCallHierarchyByPattern(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc greet() {}\n"), 0o644))

	conn, err := client.Connect(ctx, root)
	require.NoError(t, err)

	resp, err := client.CallHierarchy(ctx, CallHierarchyRequest{
		ClientID:      conn.ClientID,
		WorkspaceID:   conn.WorkspaceID,
		WorkspaceRoot: root,
		FilePath:      path,
		Pattern:       "greet",
		TimeoutMillis: 3000,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
}

func TestCallHierarchyPatternNotFound(t *testing.T) {
	_, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	conn, err := client.Connect(ctx, root)
	require.NoError(t, err)

	_, err = client.CallHierarchy(ctx, CallHierarchyRequest{
		ClientID:      conn.ClientID,
		WorkspaceID:   conn.WorkspaceID,
		WorkspaceRoot: root,
		FilePath:      path,
		Pattern:       "nothingHere",
		TimeoutMillis: 3000,
	})
	require.Error(t, err)
}

// An open connection blocks the idle shutdown even once every session is
// idle past the timeout; closing it lets the checker fire.
func TestIdleCheckerBlocksOnOpenConnection(t *testing.T) {
	srv, _ := newTestServerWithIdle(t, 60*time.Millisecond, 15*time.Millisecond)

	conn, err := net.Dial("unix", srv.socketPath)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	select {
	case <-srv.shutdownCh:
		t.Fatal("daemon shut down while a connection was still open")
	default:
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		select {
		case <-srv.shutdownCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "idle shutdown should fire once the connection set is empty")
}

func TestShutdownStopsIdleCheckLoopAndClosesSocket(t *testing.T) {
	srv, client := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Ping(ctx, "")
	require.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	_, err = client.Ping(ctx, "")
	assert.Error(t, err, "daemon should be unreachable after shutdown")
}
