package benchproxy

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const okBlockNumberRes = `{"jsonrpc":"2.0","result":"0x10","id":1}`

func newTestProber(t *testing.T, secondaries []*Backend, methods ...string) *HealthProber {
	t.Helper()
	if len(methods) == 0 {
		methods = []string{"eth_blockNumber"}
	}
	return NewHealthProber(secondaries, ProbeConfig{
		Enabled:           true,
		Interval:          TOMLDuration(time.Second),
		Methods:           methods,
		MinDelayBuffer:    TOMLDuration(500 * time.Millisecond),
		MaxErrorThreshold: 5,
		RecoveryThreshold: 3,
	})
}

func TestHealthProberHysteresis(t *testing.T) {
	be := NewBackend("node-b", RoleSecondary, "http://127.0.0.1:1", nil)
	p := newTestProber(t, []*Backend{be})

	require.True(t, p.IsBackendAvailable("node-b"))

	for i := 0; i < 4; i++ {
		p.UpdateHealth("node-b", false)
		require.True(t, p.IsBackendAvailable("node-b"), "flipped after %d failures", i+1)
	}
	p.UpdateHealth("node-b", false)
	require.False(t, p.IsBackendAvailable("node-b"))

	// a success in between restarts the recovery count
	p.UpdateHealth("node-b", true)
	p.UpdateHealth("node-b", true)
	p.UpdateHealth("node-b", false)
	p.UpdateHealth("node-b", true)
	p.UpdateHealth("node-b", true)
	require.False(t, p.IsBackendAvailable("node-b"))
	p.UpdateHealth("node-b", true)
	require.True(t, p.IsBackendAvailable("node-b"))

	h, ok := p.Health("node-b")
	require.True(t, ok)
	require.Zero(t, h.ConsecutiveErrors)
	require.False(t, h.LastSuccess.IsZero())
}

func TestHealthProberSuccessResetsFailureStreak(t *testing.T) {
	be := NewBackend("node-b", RoleSecondary, "http://127.0.0.1:1", nil)
	p := newTestProber(t, []*Backend{be})

	for i := 0; i < 4; i++ {
		p.UpdateHealth("node-b", false)
	}
	p.UpdateHealth("node-b", true)
	h, ok := p.Health("node-b")
	require.True(t, ok)
	require.Zero(t, h.ConsecutiveErrors)

	for i := 0; i < 4; i++ {
		p.UpdateHealth("node-b", false)
	}
	require.True(t, p.IsBackendAvailable("node-b"))

	p.UpdateHealth("node-b", false)
	require.False(t, p.IsBackendAvailable("node-b"))
}

func TestHealthProberUnknownBackend(t *testing.T) {
	p := newTestProber(t, nil)
	require.False(t, p.IsBackendAvailable("nope"))
	p.UpdateHealth("nope", true)
	_, ok := p.Health("nope")
	require.False(t, ok)
	require.Empty(t, p.Snapshot())

	// no secondaries means nothing to probe
	p.ProbeCycle(context.Background())
	require.Empty(t, p.MethodLatencies())
}

func TestHealthProberDelayForMethod(t *testing.T) {
	p := newTestProber(t, nil)

	// nothing learned yet: floor plus buffer
	require.Equal(t, DefaultMinResponseTime+500*time.Millisecond, p.DelayForMethod("eth_call"))
	require.Equal(t, DefaultMinResponseTime+500*time.Millisecond, p.DelayForMethod(""))

	p.latency.MergeMethod("eth_call", 40*time.Millisecond)
	require.Equal(t, 540*time.Millisecond, p.DelayForMethod("eth_call"))
	require.Equal(t, DefaultMinResponseTime+500*time.Millisecond, p.DelayForMethod("eth_getLogs"))

	p.latency.MergeFloor(8 * time.Millisecond)
	require.Equal(t, 508*time.Millisecond, p.DelayForMethod("eth_getLogs"))
}

func TestHealthProberDegradedMode(t *testing.T) {
	p := newTestProber(t, nil)
	p.latency.MergeMethod("eth_call", 40*time.Millisecond)

	p.consecutiveFailures.Store(degradedFailureCount)
	// recent overall success keeps the learned delay
	require.Equal(t, 540*time.Millisecond, p.DelayForMethod("eth_call"))

	p.lastOverallSuccess.Store(time.Now().Add(-time.Minute).UnixNano())
	require.Equal(t, 1500*time.Millisecond, p.DelayForMethod("eth_call"))

	p.consecutiveFailures.Store(degradedFailureCount - 1)
	require.Equal(t, 540*time.Millisecond, p.DelayForMethod("eth_call"))
}

func TestHealthProberProbeCycle(t *testing.T) {
	healthy := NewMockBackend(t, SingleResponseHandler(http.StatusOK, okBlockNumberRes))
	failing := NewMockBackend(t, SingleResponseHandler(http.StatusInternalServerError, `{}`))

	good := NewBackend("good", RoleSecondary, healthy.URL(), nil)
	bad := NewBackend("bad", RoleSecondary, failing.URL(), nil)
	p := newTestProber(t, []*Backend{good, bad}, "eth_blockNumber", "net_version")

	p.ProbeCycle(context.Background())

	require.Equal(t, 2*ProbeRequestCount, healthy.RequestCount())
	require.Equal(t, 2*ProbeRequestCount, failing.RequestCount())
	for _, req := range healthy.Requests() {
		require.Contains(t, []string{"eth_blockNumber", "net_version"}, req.Method)
	}

	learned := p.MethodLatencies()
	require.Contains(t, learned, "eth_blockNumber")
	require.Contains(t, learned, "net_version")
	_, ok := p.LowestBackendLatency("good")
	require.True(t, ok)
	_, ok = p.LowestBackendLatency("bad")
	require.False(t, ok)
	require.LessOrEqual(t, p.MinLatency(), learned["eth_blockNumber"])

	goodHealth, _ := p.Health("good")
	require.Equal(t, 1, goodHealth.ConsecutiveSuccesses)
	badHealth, _ := p.Health("bad")
	require.Equal(t, 1, badHealth.ConsecutiveErrors)
	require.Zero(t, p.consecutiveFailures.Load())
}

func TestHealthProberAllFailing(t *testing.T) {
	failing := NewMockBackend(t, SingleResponseHandler(http.StatusServiceUnavailable, `{}`))
	bad := NewBackend("bad", RoleSecondary, failing.URL(), nil)
	p := newTestProber(t, []*Backend{bad})

	for i := 0; i < 5; i++ {
		p.ProbeCycle(context.Background())
	}
	require.False(t, p.IsBackendAvailable("bad"))
	require.EqualValues(t, 5, p.consecutiveFailures.Load())
	require.Empty(t, p.MethodLatencies())
	require.Equal(t, DefaultMinResponseTime, p.MinLatency())
}

func TestHealthProberRunStopsOnCancel(t *testing.T) {
	healthy := NewMockBackend(t, SingleResponseHandler(http.StatusOK, okBlockNumberRes))
	good := NewBackend("good", RoleSecondary, healthy.URL(), nil)
	p := newTestProber(t, []*Backend{good})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := p.LowestBackendLatency("good")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("prober did not stop")
	}
}
