package pool

import (
	"context"
	"sort"
	"sync"
)

// Manager owns one Pool per (language, workspace root) pair (spec.md §4.6,
// C6). Pools are created lazily on first use and live for the daemon's
// lifetime.
type Manager struct {
	mu      sync.Mutex
	pools   map[string]*Pool
	cfg     Config
	factory func(language, root string) Spawner
}

// NewManager constructs a Manager. factory produces a Spawner for a given
// (language, root) pair; it is invoked once per pool, lazily.
func NewManager(cfg Config, factory func(language, root string) Spawner) *Manager {
	return &Manager{
		pools:   make(map[string]*Pool),
		cfg:     cfg,
		factory: factory,
	}
}

func poolKey(language, root string) string {
	return language + "\x00" + root
}

// GetPool returns the pool for (language, root), creating it if absent.
func (m *Manager) GetPool(language, root string) *Pool {
	key := poolKey(language, root)

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[key]; ok {
		return p
	}
	p := New(language, root, m.cfg, m.factory(language, root))
	m.pools[key] = p
	return p
}

// GetAllStats returns one Stats entry per pool, sorted by language then
// root for deterministic status output.
func (m *Manager) GetAllStats() []Stats {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	sort.Slice(pools, func(i, j int) bool {
		if pools[i].language != pools[j].language {
			return pools[i].language < pools[j].language
		}
		return pools[i].root < pools[j].root
	})

	stats := make([]Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// ShutdownAll shuts down every managed pool. Safe to call once at daemon
// exit.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Shutdown()
		}()
	}
	wg.Wait()
}
