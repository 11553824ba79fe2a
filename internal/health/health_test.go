package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoffSecondsBelowThresholdIsZero(t *testing.T) {
	assert.Equal(t, 0.0, backoffSeconds(2, 3))
}

func TestBackoffSecondsExponentialAndCapped(t *testing.T) {
	assert.Equal(t, 1.0, backoffSeconds(3, 3))
	assert.Equal(t, 10.0, backoffSeconds(4, 3))
	assert.Equal(t, 100.0, backoffSeconds(5, 3))
	assert.Equal(t, 1000.0, backoffSeconds(6, 3))
	assert.Equal(t, 1000.0, backoffSeconds(50, 3), "backoff must cap at 1000 seconds")
}

func TestMarkFailureOpensBreakerAtThreshold(t *testing.T) {
	m := NewMonitor(Config{FailureThreshold: 3, CheckInterval: time.Hour, CheckTimeout: time.Second}, nil)

	assert.False(t, m.ShouldRejectRequest("go", "/repo"))
	m.MarkFailure("go", "/repo")
	m.MarkFailure("go", "/repo")
	assert.False(t, m.ShouldRejectRequest("go", "/repo"), "below threshold the breaker stays closed")

	m.MarkFailure("go", "/repo")
	assert.True(t, m.ShouldRejectRequest("go", "/repo"), "at threshold the breaker opens")
}

func TestMarkSuccessClosesBreaker(t *testing.T) {
	m := NewMonitor(Config{FailureThreshold: 1, CheckInterval: time.Hour, CheckTimeout: time.Second}, nil)
	m.MarkFailure("go", "/repo")
	require.True(t, m.ShouldRejectRequest("go", "/repo"))

	m.MarkSuccess("go", "/repo")
	assert.False(t, m.ShouldRejectRequest("go", "/repo"))
}

func TestShouldRestartAtThreshold(t *testing.T) {
	m := NewMonitor(Config{FailureThreshold: 2, CheckInterval: time.Hour, CheckTimeout: time.Second}, nil)
	assert.False(t, m.ShouldRestart("go", "/repo"))
	m.MarkFailure("go", "/repo")
	assert.False(t, m.ShouldRestart("go", "/repo"))
	m.MarkFailure("go", "/repo")
	assert.True(t, m.ShouldRestart("go", "/repo"))
}

func TestWatchRunsProberAndUpdatesBreaker(t *testing.T) {
	var calls int32
	prober := func(ctx context.Context, language, root string) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return errors.New("server not responding")
		}
		return nil
	}

	m := NewMonitor(Config{FailureThreshold: 1, CheckInterval: 20 * time.Millisecond, CheckTimeout: time.Second}, prober)
	m.Watch("go", "/repo")
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.ShouldRejectRequest("go", "/repo")
	}, time.Second, 5*time.Millisecond, "first probe fails, breaker should open")

	require.Eventually(t, func() bool {
		return !m.ShouldRejectRequest("go", "/repo")
	}, time.Second, 5*time.Millisecond, "second probe succeeds, breaker should close")
}

func TestMarkSuccessLatencyRecordsResponseTime(t *testing.T) {
	m := NewMonitor(Config{FailureThreshold: 3, CheckInterval: time.Hour, CheckTimeout: time.Second}, nil)
	m.MarkSuccessLatency("go", "/repo", 250*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(250), snap[0].ResponseTimeMs)
}

func TestSnapshotReportsAllSeenPairs(t *testing.T) {
	m := NewMonitor(Config{FailureThreshold: 3, CheckInterval: time.Hour, CheckTimeout: time.Second}, nil)
	m.MarkSuccess("go", "/repo/a")
	m.MarkFailure("rust", "/repo/b")

	snap := m.Snapshot()
	require.Len(t, snap, 2)

	byLang := make(map[string]Status)
	for _, s := range snap {
		byLang[s.Language] = s
	}
	assert.Equal(t, "/repo/a", byLang["go"].Root)
	assert.Equal(t, "/repo/b", byLang["rust"].Root)
}
