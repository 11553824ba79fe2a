// Package daemon wires every other package into one long-lived process:
// storage, cache, pool manager, health monitor, language registry,
// dispatcher, IPC server, and the workspace watcher (spec.md §2's overall
// architecture). Grounded on original_source/lsp-daemon/src/daemon.rs's
// LspDaemon::new, which assembles the same set of collaborators behind a
// single struct before starting to serve.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/config"
	"github.com/standardbeagle/lsp-daemon/internal/dispatch"
	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/health"
	"github.com/standardbeagle/lsp-daemon/internal/ipc"
	"github.com/standardbeagle/lsp-daemon/internal/logging"
	"github.com/standardbeagle/lsp-daemon/internal/lspregistry"
	"github.com/standardbeagle/lsp-daemon/internal/lspserver"
	"github.com/standardbeagle/lsp-daemon/internal/pool"
	"github.com/standardbeagle/lsp-daemon/internal/storage"
	"github.com/standardbeagle/lsp-daemon/internal/watch"
)

// Daemon is the fully wired process: every collaborator plus the IPC
// frontend that exposes them.
type Daemon struct {
	cfg        *config.Config
	backend    storage.Backend
	cache      *cache.Cache
	pools      *pool.Manager
	health     *health.Monitor
	registry   *lspregistry.Registry
	dispatcher *dispatch.Dispatcher
	server     *ipc.Server

	watchMu  sync.Mutex
	watchers map[string]*watch.Watcher
}

// New assembles a Daemon from cfg: opens the bbolt database under
// cfg.DatabaseDir, builds the cache and pool manager over it, loads the
// LSP server registry (built-ins plus any cfg.RegistryPath override), and
// constructs the dispatcher and IPC server. It does not yet bind the
// socket; call Start for that.
func New(cfg *config.Config) (*Daemon, error) {
	dbDir := cfg.DatabaseDir
	if dbDir == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			userCacheDir = os.TempDir()
		}
		dbDir = filepath.Join(userCacheDir, "lsp-daemon")
	}
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.StorageError, "creating database directory", err)
	}

	backend, err := storage.OpenBolt(filepath.Join(dbDir, "lsp-daemon.db"))
	if err != nil {
		return nil, err
	}

	c, err := cache.New(backend)
	if err != nil {
		return nil, err
	}

	registry := lspregistry.New()
	if cfg.RegistryPath != "" {
		if err := registry.Load(cfg.RegistryPath); err != nil {
			return nil, err
		}
	}

	poolCfg := pool.Config{
		MinSize:               cfg.Pool.MinSize,
		MaxSize:               cfg.Pool.MaxSize,
		MaxRequestsPerServer:  cfg.Pool.MaxRequestsPerServer,
		InitializationTimeout: cfg.Pool.InitializationTimeout,
	}

	healthCfg := health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		CheckInterval:    cfg.Health.CheckInterval,
		CheckTimeout:     cfg.Health.CheckTimeout,
	}

	// The prober checks out of the pool manager and the pool manager
	// registers each new (language, root) pair with the monitor, so the two
	// are built around a shared late-bound reference.
	var pools *pool.Manager
	healthMon := health.NewMonitor(healthCfg, func(ctx context.Context, language, root string) error {
		return probePool(ctx, pools, language, root)
	})

	baseFactory := spawnerFactory(registry)
	pools = pool.NewManager(poolCfg, func(language, root string) pool.Spawner {
		healthMon.Watch(language, root)
		return baseFactory(language, root)
	})

	dispatcher := dispatch.New(backend, c, pools, healthMon, registry)

	d := &Daemon{
		cfg:        cfg,
		backend:    backend,
		cache:      c,
		pools:      pools,
		health:     healthMon,
		registry:   registry,
		dispatcher: dispatcher,
		watchers:   make(map[string]*watch.Watcher),
	}

	d.server = ipc.New(ipc.Config{
		SocketPath:     cfg.SocketPath,
		Backend:        backend,
		Cache:          c,
		Pools:          pools,
		Health:         healthMon,
		Registry:       registry,
		Dispatcher:     dispatcher,
		IdleTimeout:    cfg.IdleTimeout,
		IdleCheckEvery: cfg.IdleCheckEvery,
		OnWorkspaceConnect: func(workspaceID int64, root string) {
			if err := d.WatchWorkspace(workspaceID, root); err != nil {
				logging.Logf("daemon", "error watching workspace %s: %v", root, err)
			}
		},
	})

	return d, nil
}

// spawnerFactory builds a pool.Spawner for (language, root) that spawns
// and initializes the registered server for that language.
func spawnerFactory(registry *lspregistry.Registry) func(language, root string) pool.Spawner {
	return func(language, root string) pool.Spawner {
		return func(ctx context.Context) (*lspserver.Process, error) {
			cfg, ok := registry.Get(language)
			if !ok {
				return nil, errors.New(errors.UnknownLanguage, "no lsp server registered for "+language)
			}
			proc, err := lspserver.Spawn(ctx, language, cfg.Command, cfg.Args, root)
			if err != nil {
				return nil, err
			}
			if err := proc.Initialize(ctx, cfg.InitOptions); err != nil {
				return nil, err
			}
			return proc, nil
		}
	}
}

// probePool issues a no-op workspace/symbol query against whatever server
// is already spawned for (language, root), without forcing a spawn purely
// to probe an idle pool.
func probePool(ctx context.Context, pools *pool.Manager, language, root string) error {
	if pools == nil {
		return nil
	}
	p := pools.GetPool(language, root)
	if p.Stats().Total == 0 {
		// Nothing spawned yet for this pair; there's nothing to confirm is
		// unhealthy.
		return nil
	}
	proc, err := p.GetServer(ctx)
	if err != nil {
		return err
	}
	defer p.ReturnServer(proc)
	_, err = proc.SendRequest(ctx, "workspace/symbol", map[string]interface{}{"query": ""})
	return err
}

// Start binds the IPC socket and begins serving. It blocks until the
// daemon shuts down (via a shutdown request or its idle timer).
func (d *Daemon) Start() error {
	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Logf("daemon", "started, database=%s", d.cfg.DatabaseDir)
	d.server.Wait()
	return d.Shutdown()
}

// WatchWorkspace begins watching root for file changes, invalidating the
// universal cache for any changed file's cached entries across every
// operation. Safe to call more than once for the same root; later calls
// are no-ops.
func (d *Daemon) WatchWorkspace(workspaceID int64, root string) error {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if _, exists := d.watchers[root]; exists {
		return nil
	}

	w, err := watch.New(root, 250*time.Millisecond, func(path string) {
		d.onFileChanged(workspaceID, root, path)
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	d.watchers[root] = w
	return nil
}

func (d *Daemon) onFileChanged(workspaceID int64, root, path string) {
	n, err := d.cache.InvalidateFile(path)
	if err != nil {
		logging.Logf("daemon", "error invalidating cache for %s: %v", path, err)
		return
	}
	if n > 0 {
		logging.Logf("daemon", "invalidated %d cache entries for %s (workspace %d at %s)", n, path, workspaceID, root)
	}
}

// Shutdown stops the IPC server, every workspace watcher, health monitor,
// and closes the storage backend.
func (d *Daemon) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.watchMu.Lock()
	for root, w := range d.watchers {
		if err := w.Stop(); err != nil {
			logging.Logf("daemon", "error stopping watcher for %s: %v", root, err)
		}
	}
	d.watchers = make(map[string]*watch.Watcher)
	d.watchMu.Unlock()

	if err := d.server.Shutdown(ctx); err != nil {
		logging.Logf("daemon", "error shutting down ipc server: %v", err)
	}

	d.health.Stop()
	d.pools.ShutdownAll(ctx)

	return d.backend.Close()
}
