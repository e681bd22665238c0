package benchproxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/xaionaro-go/weightedshuffle"
)

// DefaultSecondaryDelay is the head start given to the primary when no
// better estimate exists.
const DefaultSecondaryDelay = 25 * time.Millisecond

type DispatcherOpt func(d *Dispatcher)

func WithExpensiveMethodRouting(enabled bool) DispatcherOpt {
	return func(d *Dispatcher) {
		d.expensiveRouting = enabled
	}
}

func WithDetailedLogs(enabled bool) DispatcherOpt {
	return func(d *Dispatcher) {
		d.detailedLogs = enabled
	}
}

func WithRaceLog(races *RaceLog) DispatcherOpt {
	return func(d *Dispatcher) {
		d.races = races
	}
}

// Dispatcher races each request across the primary and every eligible
// secondary and serves whichever answers first. Secondaries start late by
// the learned delay for the request's methods.
type Dispatcher struct {
	primary     *Backend
	secondaries []*Backend
	prober      *HealthProber
	watcher     *HeightWatcher
	stats       *StatsAggregator
	races       *RaceLog

	expensiveRouting bool
	detailedLogs     bool
}

func NewDispatcher(
	primary *Backend,
	secondaries []*Backend,
	prober *HealthProber,
	watcher *HeightWatcher,
	stats *StatsAggregator,
	opts ...DispatcherOpt,
) *Dispatcher {
	d := &Dispatcher{
		primary:     primary,
		secondaries: secondaries,
		prober:      prober,
		watcher:     watcher,
		stats:       stats,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Primary() *Backend {
	return d.primary
}

func (d *Dispatcher) Secondaries() []*Backend {
	return d.secondaries
}

// EligibleBackends lists the backends a request may be raced on. The
// primary always comes first.
func (d *Dispatcher) EligibleBackends(info *RequestInfo) []*Backend {
	eligible := make([]*Backend, 0, len(d.secondaries)+1)
	if d.primary != nil {
		eligible = append(eligible, d.primary)
	}
	if info.IsStateful {
		return eligible
	}

	candidates := make([]*Backend, 0, len(d.secondaries))
	for _, be := range d.secondaries {
		if d.watcher != nil && d.watcher.IsSecondaryBehind(be.Name) {
			log.Debug("skipping secondary behind primary", "backend", be.Name)
			continue
		}
		if d.prober != nil && !d.prober.IsBackendAvailable(be.Name) {
			log.Debug("skipping unavailable secondary", "backend", be.Name)
			continue
		}
		candidates = append(candidates, be)
	}

	if d.expensiveRouting && info.IsExpensive && len(candidates) > 1 {
		candidates = d.pickWeighted(candidates)[:1]
	}
	return append(eligible, candidates...)
}

// pickWeighted orders secondaries randomly, favouring lower probed latency.
func (d *Dispatcher) pickWeighted(backends []*Backend) []*Backend {
	shuffled := make([]*Backend, len(backends))
	copy(shuffled, backends)

	floor := DefaultMinResponseTime
	if d.prober != nil {
		floor = d.prober.MinLatency()
	}
	weight := func(i int) float64 {
		lat := floor
		if d.prober != nil {
			if l, ok := d.prober.LowestBackendLatency(shuffled[i].Name); ok {
				lat = l
			}
		}
		if lat <= 0 {
			lat = time.Millisecond
		}
		return 1 / lat.Seconds()
	}
	weightedshuffle.ShuffleInplace(shuffled, weight, nil)
	return shuffled
}

// SecondaryDelay is the largest per-method delay across methods.
func (d *Dispatcher) SecondaryDelay(methods []string) time.Duration {
	if len(methods) == 0 {
		return DefaultSecondaryDelay
	}

	var delay time.Duration
	for _, m := range methods {
		if md := d.methodDelay(m); md > delay {
			delay = md
		}
	}
	if delay == 0 {
		delay = d.baseDelay()
	}
	return delay
}

func (d *Dispatcher) methodDelay(method string) time.Duration {
	if d.prober != nil {
		return d.prober.DelayForMethod(method)
	}
	if d.stats != nil {
		if p75, ok := d.stats.PrimaryMethodPercentile(method, 75); ok {
			return p75
		}
	}
	return 0
}

func (d *Dispatcher) baseDelay() time.Duration {
	if d.prober != nil {
		if base := d.prober.DelayForMethod(""); base > 0 {
			return base
		}
	}
	if d.stats != nil {
		if p75, ok := d.stats.PrimaryPercentile(75); ok && p75 > 0 {
			return p75
		}
	}
	return DefaultSecondaryDelay
}

type raceResult struct {
	backend  *Backend
	res      *BackendResponse
	err      error
	duration time.Duration
}

func (r *raceResult) outcome(info *RequestInfo) RequestOutcome {
	o := RequestOutcome{
		Backend:  r.backend.Name,
		Role:     r.backend.Role,
		Methods:  info.Methods,
		CUKeys:   info.CUKeys,
		Duration: r.duration,
		Err:      r.err,
	}
	if r.res != nil {
		o.StatusCode = r.res.StatusCode
	}
	return o
}

// Dispatch races body across the eligible backends. The first result in
// decides the reply; losing legs keep running in the background and are
// only used for stats.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, info *RequestInfo, header http.Header) (*BackendResponse, error) {
	eligible := d.EligibleBackends(info)
	if len(eligible) == 0 {
		return nil, ErrNoBackends
	}

	var delay time.Duration
	if len(eligible) > 1 {
		delay = d.SecondaryDelay(info.Methods)
		RecordSecondaryDelay(RequestMetricLabel(info), delay)
	}

	// legs outlive the client request
	bgCtx := context.WithoutCancel(ctx)
	reqID := GetReqID(ctx)

	log.Debug("dispatching request",
		"req_id", reqID,
		"method", info.Label(),
		"backends", len(eligible),
		"secondary_delay", delay)

	var wg sync.WaitGroup
	ch := make(chan *raceResult, len(eligible))
	for _, be := range eligible {
		wg.Add(1)
		go d.raceLeg(bgCtx, be, delay, body, header, info, &wg, ch)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	var first *raceResult
	select {
	case r, ok := <-ch:
		if ok {
			first = r
		}
	case <-ctx.Done():
		log.Debug("client context done before any backend answered", "req_id", reqID, "err", ctx.Err())
	}

	go d.collect(reqID, info, delay, first, ch)

	if first == nil {
		return nil, ErrGatewayTimeout
	}
	if first.err != nil {
		log.Warn("first race result was an error",
			"req_id", reqID,
			"backend", first.backend.Name,
			"err", first.err)
		return nil, badGateway(first.backend.Name, first.err)
	}
	return first.res, nil
}

func (d *Dispatcher) raceLeg(
	ctx context.Context,
	be *Backend,
	delay time.Duration,
	body []byte,
	header http.Header,
	info *RequestInfo,
	wg *sync.WaitGroup,
	ch chan<- *raceResult,
) {
	defer wg.Done()

	if !be.IsPrimary() && delay > 0 {
		sleepContext(ctx, delay)
	}

	legCtx, cancel := context.WithTimeout(ctx, be.Timeout())
	defer cancel()

	start := time.Now()
	res, err := be.Forward(legCtx, body, header)
	result := &raceResult{backend: be, res: res, err: err, duration: time.Since(start)}
	if res != nil {
		result.duration = res.Duration
	}
	RecordBackendRequest(be.Name, be.Role, RequestMetricLabel(info), result.duration, err)

	logFn := log.Debug
	if d.detailedLogs {
		logFn = log.Info
	}
	if err != nil {
		logFn("race leg failed",
			"backend", be.Name,
			"role", be.Role,
			"method", info.Label(),
			"duration", result.duration,
			"err", err)
	} else {
		logFn("race leg completed",
			"backend", be.Name,
			"role", be.Role,
			"method", info.Label(),
			"status", res.StatusCode,
			"duration", result.duration)
	}

	ch <- result
}

// collect waits for every leg and hands the outcomes to the aggregator.
func (d *Dispatcher) collect(reqID string, info *RequestInfo, delay time.Duration, first *raceResult, ch <-chan *raceResult) {
	results := make([]*raceResult, 0, cap(ch))
	if first != nil {
		results = append(results, first)
	}
	for r := range ch {
		results = append(results, r)
	}

	outcomes := make([]RequestOutcome, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, r.outcome(info))
	}

	var winner RequestOutcome
	var won bool
	if d.stats != nil {
		winner, won = d.stats.Record(outcomes)
	} else {
		winner, won = fastestOutcome(outcomes)
	}

	servedBy := ""
	if first != nil && first.err == nil {
		servedBy = first.backend.Name
	}
	if won {
		log.Debug("race finished",
			"req_id", reqID,
			"method", info.Label(),
			"winner", winner.Backend,
			"served_by", servedBy,
			"duration", winner.Duration)
	}

	if d.races != nil {
		d.races.Add(newRaceSummary(reqID, info, delay, servedBy, outcomes))
	}
}
