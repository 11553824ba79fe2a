// Package pool implements the per-(language, workspace) warm server pool
// (spec.md §4.5, C5) and the pool manager registry (§4.6, C6): a bounded
// ready/busy pool with blue-green recycling, and a concurrent map from
// (language, workspace root) to pool.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/logging"
	"github.com/standardbeagle/lsp-daemon/internal/lspserver"
)

// Spawner starts and initializes one LSP process for the pool's (language,
// workspace). Abstracted so the pool doesn't depend on the registry
// directly and tests can supply a fake.
type Spawner func(ctx context.Context) (*lspserver.Process, error)

// Config mirrors spec.md §4.5's pool parameters.
type Config struct {
	MinSize               int
	MaxSize               int
	MaxRequestsPerServer  int
	InitializationTimeout time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{MinSize: 1, MaxSize: 4, MaxRequestsPerServer: 100, InitializationTimeout: 30 * time.Second}
}

type pooledEntry struct {
	proc         *lspserver.Process
	requestCount int
	lastUsed     time.Time
}

// Pool is a single (language, workspace root) server pool.
type Pool struct {
	language string
	root     string
	cfg      Config
	spawner  Spawner

	mu    sync.Mutex
	ready []*pooledEntry
	busy  map[*lspserver.Process]*pooledEntry
	total int // ready + busy, tracked under mu

	spawnMu    sync.Mutex
	isSpawning bool
	spawnWake  chan struct{}

	closed bool
}

// New constructs a pool for one (language, workspace root) pair. The pool
// starts empty; the first GetServer call spawns the first server.
func New(language, root string, cfg Config, spawner Spawner) *Pool {
	return &Pool{
		language:  language,
		root:      root,
		cfg:       cfg,
		spawner:   spawner,
		busy:      make(map[*lspserver.Process]*pooledEntry),
		spawnWake: make(chan struct{}),
	}
}

// Stats is the per-pool counts reported by spec.md §4.6's get_all_stats.
type Stats struct {
	Language string
	Ready    int
	Busy     int
	Total    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Language: p.language, Ready: len(p.ready), Busy: len(p.busy), Total: p.total}
}

// GetServer implements spec.md §4.5's four-branch checkout algorithm.
func (p *Pool) GetServer(ctx context.Context) (*lspserver.Process, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.Shutdown, "pool is shutting down")
		}

		// 1. A ready server exists: hand out the front of the FIFO queue,
		// so checkouts rotate across warm servers instead of pinning the
		// most recently returned one.
		if len(p.ready) > 0 {
			entry := p.ready[0]
			p.ready = p.ready[1:]
			p.busy[entry.proc] = entry
			p.mu.Unlock()
			go p.warm()
			return entry.proc, nil
		}

		busyCount := len(p.busy)
		p.mu.Unlock()

		// 2. Someone else is already spawning: wait for them, then retry.
		p.spawnMu.Lock()
		if p.isSpawning {
			wake := p.spawnWake
			p.spawnMu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return nil, errors.Wrap(errors.CapacityExhausted, "waiting for pool spawn", ctx.Err())
			}
		}

		// 3. Capacity available: become the spawner.
		if busyCount < p.cfg.MaxSize {
			p.isSpawning = true
			p.spawnMu.Unlock()

			proc, err := p.spawnAndPublish(ctx, true)
			p.spawnMu.Lock()
			p.isSpawning = false
			close(p.spawnWake)
			p.spawnWake = make(chan struct{})
			p.spawnMu.Unlock()

			if err != nil {
				return nil, err
			}
			return proc, nil
		}
		p.spawnMu.Unlock()

		// 4. At max capacity with nothing ready: poll briefly.
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return nil, errors.Wrap(errors.CapacityExhausted, "pool at max capacity", ctx.Err())
		}
	}
}

// spawnAndPublish spawns and initializes one server, publishing it to busy
// (toBusy=true, the GetServer path) or to ready (toBusy=false, background
// warming/blue-green). On failure it does not mutate ready/busy/total.
func (p *Pool) spawnAndPublish(ctx context.Context, toBusy bool) (*lspserver.Process, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.InitializationTimeout)
	defer cancel()

	proc, err := p.spawner(spawnCtx)
	if err != nil {
		return nil, errors.Wrap(errors.LspInitialization, "spawning lsp server", err)
	}
	if err := proc.WaitUntilReady(p.cfg.InitializationTimeout); err != nil {
		return nil, err
	}

	entry := &pooledEntry{proc: proc, lastUsed: time.Now()}
	p.mu.Lock()
	p.total++
	if toBusy {
		p.busy[proc] = entry
	} else {
		p.ready = append(p.ready, entry)
	}
	p.mu.Unlock()

	logging.Logf("pool", "%s/%s: spawned server (total=%d)", p.language, p.root, p.total)
	return proc, nil
}

// ReturnServer implements spec.md §4.5's return_server: bump counters, and
// either recycle (blue-green) or push back to ready.
func (p *Pool) ReturnServer(proc *lspserver.Process) {
	p.mu.Lock()
	entry, ok := p.busy[proc]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, proc)
	entry.requestCount++
	entry.lastUsed = time.Now()
	needsRecycle := entry.requestCount >= p.cfg.MaxRequestsPerServer
	closed := p.closed
	if closed {
		p.total--
	}
	p.mu.Unlock()

	if closed {
		// The pool shut down while this server was checked out; it was
		// deliberately left out of the drain, so it shuts down here.
		proc.Shutdown(5 * time.Second)
		return
	}

	if needsRecycle {
		go p.recycle(entry)
		return
	}

	p.mu.Lock()
	p.ready = append(p.ready, entry)
	p.mu.Unlock()
}

// recycle implements blue-green recycling: spawn a replacement and publish
// it to ready before shutting down the outgoing server. If the replacement
// fails to spawn, the old server returns to ready instead of being lost,
// so the pool never drops below min_size purely because of a recycle
// (spec.md §4.5, §8, §9).
func (p *Pool) recycle(old *pooledEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InitializationTimeout)
	defer cancel()

	_, err := p.spawnAndPublish(ctx, false)
	if err != nil {
		logging.Logf("pool", "%s/%s: recycle spawn failed, keeping old server: %v", p.language, p.root, err)
		p.mu.Lock()
		p.ready = append(p.ready, old)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	old.proc.Shutdown(p.cfg.InitializationTimeout)
}

// warm is the background warmer: after a checkout, ensure at least MinSize
// servers are ready+busy combined. It respects the spawning flag so a burst
// of checkouts doesn't cause a thundering herd of spawns.
func (p *Pool) warm() {
	p.mu.Lock()
	short := p.total < p.cfg.MinSize
	p.mu.Unlock()
	if !short {
		return
	}

	p.spawnMu.Lock()
	if p.isSpawning {
		p.spawnMu.Unlock()
		return
	}
	p.isSpawning = true
	p.spawnMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InitializationTimeout)
	defer cancel()
	_, err := p.spawnAndPublish(ctx, false)

	p.spawnMu.Lock()
	p.isSpawning = false
	close(p.spawnWake)
	p.spawnWake = make(chan struct{})
	p.spawnMu.Unlock()

	if err != nil {
		logging.Logf("pool", "%s/%s: warm spawn failed: %v", p.language, p.root, err)
	}
}

// Shutdown drains ready and shuts each down; busy servers are shut down
// when (if) they're returned, since they may be mid-request.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	ready := p.ready
	p.ready = nil
	p.total -= len(ready)
	p.mu.Unlock()

	for _, entry := range ready {
		entry.proc.Shutdown(5 * time.Second)
	}
}
