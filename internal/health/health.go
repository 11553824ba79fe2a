// Package health tracks per-(language, workspace) circuit breaker state
// and runs the background health-check loop (spec.md §4.7, C7).
package health

import (
	"context"
	"math"
	"sync"
	"time"
)

// Config mirrors spec.md's health-check parameters.
type Config struct {
	FailureThreshold int
	CheckInterval    time.Duration
	CheckTimeout     time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, CheckInterval: 30 * time.Second, CheckTimeout: 5 * time.Second}
}

// record is one (language, workspace) pair's circuit breaker state.
type record struct {
	mu                 sync.Mutex
	consecutiveFailures int
	lastSuccess        time.Time
	lastCheck          time.Time
	breakerOpenUntil   time.Time
	responseTimeMs     int64
}

// Prober performs a cheap, no-side-effect liveness check against a running
// language server (spec.md's workspace/symbol probe with an empty query).
type Prober func(ctx context.Context, language, root string) error

// Monitor tracks circuit breaker state across every (language, workspace)
// pair the dispatcher has seen and runs a background check loop.
type Monitor struct {
	cfg    Config
	prober Prober

	mu      sync.Mutex
	records map[string]*record

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor constructs a Monitor. prober may be nil if the caller only
// needs MarkSuccess/MarkFailure/ShouldRejectRequest bookkeeping and never
// starts the background loop.
func NewMonitor(cfg Config, prober Prober) *Monitor {
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		records: make(map[string]*record),
		stop:    make(chan struct{}),
	}
}

func key(language, root string) string {
	return language + "\x00" + root
}

func (m *Monitor) recordFor(language, root string) *record {
	k := key(language, root)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[k]
	if !ok {
		r = &record{}
		m.records[k] = r
	}
	return r
}

// MarkSuccess resets the failure streak and closes the circuit breaker.
func (m *Monitor) MarkSuccess(language, root string) {
	m.MarkSuccessLatency(language, root, 0)
}

// MarkSuccessLatency is MarkSuccess plus the observed response time, which
// callers that timed the request (the dispatcher, the background prober)
// record for status reporting.
func (m *Monitor) MarkSuccessLatency(language, root string, responseTime time.Duration) {
	r := m.recordFor(language, root)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.lastSuccess = time.Now()
	r.breakerOpenUntil = time.Time{}
	if responseTime > 0 {
		r.responseTimeMs = responseTime.Milliseconds()
	}
}

// backoffSeconds implements spec.md §4.7's exponential backoff:
// 10^min(consecutive_failures-3, 3), capped at 1000 seconds, only once the
// failure threshold has been crossed.
func backoffSeconds(consecutiveFailures, threshold int) float64 {
	if consecutiveFailures < threshold {
		return 0
	}
	exp := consecutiveFailures - threshold
	if exp > 3 {
		exp = 3
	}
	seconds := math.Pow(10, float64(exp))
	if seconds > 1000 {
		seconds = 1000
	}
	return seconds
}

// MarkFailure records a failed request/health-check and opens the circuit
// breaker once consecutive failures reach the threshold.
func (m *Monitor) MarkFailure(language, root string) {
	r := m.recordFor(language, root)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	if r.consecutiveFailures >= m.cfg.FailureThreshold {
		backoff := backoffSeconds(r.consecutiveFailures, m.cfg.FailureThreshold)
		r.breakerOpenUntil = time.Now().Add(time.Duration(backoff * float64(time.Second)))
	}
}

// ShouldRejectRequest reports whether the circuit breaker is currently open
// for (language, root); the dispatcher uses this to fail fast instead of
// checking out a pool server that's likely to fail again.
func (m *Monitor) ShouldRejectRequest(language, root string) bool {
	r := m.recordFor(language, root)
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.breakerOpenUntil.IsZero() && time.Now().Before(r.breakerOpenUntil)
}

// ShouldRestart reports whether the pool should proactively recycle the
// server for (language, root): its consecutive failure count has reached the
// configured failure threshold.
func (m *Monitor) ShouldRestart(language, root string) bool {
	r := m.recordFor(language, root)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures >= m.cfg.FailureThreshold
}

// Status is the snapshot returned by the IPC status request.
type Status struct {
	Language            string
	Root                string
	ConsecutiveFailures int
	LastSuccess         time.Time
	BreakerOpen         bool
	ResponseTimeMs      int64
}

// Snapshot returns a status record for every (language, root) pair seen so
// far, for status reporting.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	keys := make(map[string]*record, len(m.records))
	for k, r := range m.records {
		keys[k] = r
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(keys))
	for k, r := range keys {
		r.mu.Lock()
		language, root := splitKey(k)
		out = append(out, Status{
			Language:            language,
			Root:                root,
			ConsecutiveFailures: r.consecutiveFailures,
			LastSuccess:         r.lastSuccess,
			BreakerOpen:         !r.breakerOpenUntil.IsZero() && time.Now().Before(r.breakerOpenUntil),
			ResponseTimeMs:      r.responseTimeMs,
		})
		r.mu.Unlock()
	}
	return out
}

func splitKey(k string) (language, root string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// Watch registers (language, root) for background health checks. Checks
// run every CheckInterval and call MarkSuccess/MarkFailure based on the
// prober's result, so a server that recovers on its own closes the breaker
// without waiting for a user request to succeed.
func (m *Monitor) Watch(language, root string) {
	if m.prober == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runCheck(language, root)
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Monitor) runCheck(language, root string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()

	r := m.recordFor(language, root)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()

	start := time.Now()
	if err := m.prober(ctx, language, root); err != nil {
		m.MarkFailure(language, root)
		return
	}
	m.MarkSuccessLatency(language, root, time.Since(start))
}

// Stop halts all background check loops.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}
