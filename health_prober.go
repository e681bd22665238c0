package benchproxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	ProbeRequestCount      = 10
	ProbeAttemptDelay      = 10 * time.Millisecond
	DefaultMinResponseTime = 15 * time.Millisecond

	// degradedFailureCount is the number of consecutive all-failed probe
	// cycles after which secondaries get a fixed, wide head start.
	degradedFailureCount = 3
)

type BackendHealth struct {
	Available            bool      `json:"available"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastSuccess          time.Time `json:"last_success"`
}

type backendHealthEntry struct {
	mu     sync.Mutex
	health BackendHealth
}

type probeSample struct {
	backend  string
	method   string
	duration time.Duration
	success  bool
}

// HealthProber periodically probes every secondary with synthetic calls,
// learns the lowest latency per method and tracks which secondaries are
// fit to race. A backend's availability only flips after a run of
// consecutive cycle results in the same direction.
type HealthProber struct {
	secondaries []*Backend
	methods     []string
	interval    time.Duration
	buffer      time.Duration

	maxErrorThreshold int
	recoveryThreshold int

	health  map[string]*backendHealthEntry
	latency *LatencyTable

	consecutiveFailures atomic.Int64
	lastOverallSuccess  atomic.Int64
}

func NewHealthProber(secondaries []*Backend, cfg ProbeConfig) *HealthProber {
	now := time.Now()
	p := &HealthProber{
		secondaries:       secondaries,
		methods:           cfg.Methods,
		interval:          time.Duration(cfg.Interval),
		buffer:            time.Duration(cfg.MinDelayBuffer),
		maxErrorThreshold: cfg.MaxErrorThreshold,
		recoveryThreshold: cfg.RecoveryThreshold,
		health:            make(map[string]*backendHealthEntry, len(secondaries)),
		latency:           NewLatencyTable(DefaultMinResponseTime),
	}
	if p.interval <= 0 {
		p.interval = defaultProbeInterval
	}
	if p.maxErrorThreshold <= 0 {
		p.maxErrorThreshold = defaultMaxErrorThreshold
	}
	if p.recoveryThreshold <= 0 {
		p.recoveryThreshold = defaultRecoveryThreshold
	}
	for _, be := range secondaries {
		p.health[be.Name] = &backendHealthEntry{
			health: BackendHealth{Available: true, LastSuccess: now},
		}
		RecordBackendAvailable(be.Name, true)
	}
	p.lastOverallSuccess.Store(now.UnixNano())
	return p
}

// Run probes once immediately, then on every tick until ctx is done.
func (p *HealthProber) Run(ctx context.Context) error {
	log.Info("starting secondary prober",
		"backends", len(p.secondaries),
		"methods", p.methods,
		"interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.ProbeCycle(ctx)
		select {
		case <-ctx.Done():
			log.Info("secondary prober stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *HealthProber) ProbeCycle(ctx context.Context) {
	if len(p.secondaries) == 0 {
		return
	}

	anySuccess := false
	for _, be := range p.secondaries {
		backendSuccess := false
		for _, method := range p.methods {
			if ctx.Err() != nil {
				return
			}
			samples := p.probeMethod(ctx, be, method)
			if ctx.Err() != nil {
				return
			}
			if lowest, ok := minSuccessful(samples); ok {
				backendSuccess = true
				p.latency.MergeMethod(method, lowest)
				p.latency.MergeBackend(be.Name, lowest)
				p.latency.MergeFloor(lowest)
			}
		}
		p.UpdateHealth(be.Name, backendSuccess)
		anySuccess = anySuccess || backendSuccess
	}

	if anySuccess {
		p.consecutiveFailures.Store(0)
		p.lastOverallSuccess.Store(time.Now().UnixNano())
		return
	}
	failures := p.consecutiveFailures.Add(1)
	log.Warn("all secondary probes failed", "consecutive_failures", failures)
}

func (p *HealthProber) probeMethod(ctx context.Context, be *Backend, method string) []probeSample {
	samples := make([]probeSample, 0, ProbeRequestCount)
	for i := 0; i < ProbeRequestCount; i++ {
		if i > 0 && !sleepContext(ctx, ProbeAttemptDelay) {
			break
		}
		id := fmt.Sprintf("probe-%s-%s-%d-%d", be.Name, method, time.Now().UnixNano(), i)
		status, dur, err := be.Call(ctx, id, method)
		success := err == nil && status >= 200 && status < 300
		if err != nil {
			log.Debug("probe request failed", "backend", be.Name, "method", method, "err", err)
		} else if !success {
			log.Debug("probe returned non-2xx", "backend", be.Name, "method", method, "status", status)
		}
		RecordProbe(be.Name, method, dur, success)
		samples = append(samples, probeSample{
			backend:  be.Name,
			method:   method,
			duration: dur,
			success:  success,
		})
	}
	return samples
}

func minSuccessful(samples []probeSample) (time.Duration, bool) {
	var lowest time.Duration
	found := false
	for _, s := range samples {
		if !s.success {
			continue
		}
		if !found || s.duration < lowest {
			lowest = s.duration
			found = true
		}
	}
	return lowest, found
}

// UpdateHealth applies one cycle result for a backend.
func (p *HealthProber) UpdateHealth(name string, success bool) {
	entry, ok := p.health[name]
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	h := &entry.health
	if success {
		h.ConsecutiveErrors = 0
		h.ConsecutiveSuccesses++
		h.LastSuccess = time.Now()
		if !h.Available && h.ConsecutiveSuccesses >= p.recoveryThreshold {
			h.Available = true
			h.ConsecutiveSuccesses = 0
			log.Info("secondary recovered", "backend", name)
			RecordBackendAvailable(name, true)
		}
		return
	}

	h.ConsecutiveSuccesses = 0
	h.ConsecutiveErrors++
	if h.Available && h.ConsecutiveErrors >= p.maxErrorThreshold {
		h.Available = false
		log.Warn("secondary marked unavailable",
			"backend", name,
			"consecutive_errors", h.ConsecutiveErrors)
		RecordBackendAvailable(name, false)
	}
}

// DelayForMethod is how long secondaries wait before racing the primary.
func (p *HealthProber) DelayForMethod(method string) time.Duration {
	if p.isDegraded() {
		return 3 * p.buffer
	}
	base := p.latency.Floor()
	if method != "" {
		base = p.latency.MethodOrFloor(method)
	}
	return base + p.buffer
}

func (p *HealthProber) isDegraded() bool {
	if p.consecutiveFailures.Load() < degradedFailureCount {
		return false
	}
	last := time.Unix(0, p.lastOverallSuccess.Load())
	return time.Since(last) > 3*p.interval
}

func (p *HealthProber) IsBackendAvailable(name string) bool {
	h, ok := p.Health(name)
	return ok && h.Available
}

func (p *HealthProber) Health(name string) (BackendHealth, bool) {
	entry, ok := p.health[name]
	if !ok {
		return BackendHealth{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.health, true
}

func (p *HealthProber) Snapshot() map[string]BackendHealth {
	out := make(map[string]BackendHealth, len(p.health))
	for name := range p.health {
		h, _ := p.Health(name)
		out[name] = h
	}
	return out
}

func (p *HealthProber) MinLatency() time.Duration {
	return p.latency.Floor()
}

func (p *HealthProber) MethodLatencies() map[string]time.Duration {
	return p.latency.Methods()
}

func (p *HealthProber) LowestBackendLatency(name string) (time.Duration, bool) {
	return p.latency.Backend(name)
}

func (p *HealthProber) Methods() []string {
	return p.methods
}
