package benchproxy

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxSamplesPerSeries = 1000

// RequestOutcome is the result of one race leg.
type RequestOutcome struct {
	Backend    string
	Role       BackendRole
	Methods    []string
	CUKeys     []string
	Duration   time.Duration
	StatusCode int
	Err        error
}

type WebSocketStats struct {
	Backend                 string
	ConnectTime             time.Duration
	Duration                time.Duration
	ClientToBackendMessages uint64
	BackendToClientMessages uint64
	Err                     error
}

type seriesKey struct {
	backend string
	method  string
}

type durationSeries struct {
	mu      sync.Mutex
	max     int
	samples []time.Duration
}

func (s *durationSeries) add(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) >= s.max {
		copy(s.samples, s.samples[1:])
		s.samples = s.samples[:len(s.samples)-1]
	}
	s.samples = append(s.samples, d)
}

func (s *durationSeries) sorted() []time.Duration {
	s.mu.Lock()
	out := make([]time.Duration, len(s.samples))
	copy(out, s.samples)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *durationSeries) percentile(p float64) (time.Duration, bool) {
	return percentileOf(s.sorted(), p)
}

// percentileOf uses the nearest-rank method on an ascending slice.
func percentileOf(sorted []time.Duration, p float64) (time.Duration, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1], true
}

type StatsOpt func(s *StatsAggregator)

func WithMaxSamplesPerSeries(n int) StatsOpt {
	return func(s *StatsAggregator) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// StatsAggregator accumulates race outcomes. Every table is keyed and
// each key carries its own lock or atomic.
type StatsAggregator struct {
	prices     CUPriceTable
	maxSamples int
	startTime  time.Time

	primary       *durationSeries
	primaryMethod sync.Map // method -> *durationSeries, successful primary legs only
	methodSeries  sync.Map // method -> *durationSeries
	backendSeries sync.Map // seriesKey -> *durationSeries

	wins       sync.Map // backend -> *atomic.Uint64
	methodWins sync.Map // seriesKey -> *atomic.Uint64
	methodCU   sync.Map // method -> *atomic.Uint64

	totalRequests atomic.Uint64
	errorCount    atomic.Uint64
	totalCU       atomic.Uint64

	wsSessions      atomic.Uint64
	wsErrors        atomic.Uint64
	wsClientMsgs    atomic.Uint64
	wsBackendMsgs   atomic.Uint64
	wsTotalDuration atomic.Int64
}

func NewStatsAggregator(prices CUPriceTable, opts ...StatsOpt) *StatsAggregator {
	if prices == nil {
		prices = DefaultCUPrices()
	}
	s := &StatsAggregator{
		prices:     prices,
		maxSamples: defaultMaxSamplesPerSeries,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.primary = &durationSeries{max: s.maxSamples}
	return s
}

// Record folds the outcomes of one race into the aggregates and returns the
// winning outcome, if any leg succeeded.
func (s *StatsAggregator) Record(outcomes []RequestOutcome) (RequestOutcome, bool) {
	if len(outcomes) == 0 {
		return RequestOutcome{}, false
	}
	s.totalRequests.Add(1)

	winner, won := fastestOutcome(outcomes)
	if won {
		counter(&s.wins, winner.Backend).Add(1)
		for _, m := range outcomeMethods(winner) {
			counter(&s.methodWins, seriesKey{backend: winner.Backend, method: m}).Add(1)
		}
		RecordRaceWin(winner.Backend)
	}

	for _, o := range outcomes {
		if o.Err != nil {
			s.errorCount.Add(1)
		}
		for _, m := range outcomeMethods(o) {
			s.series(&s.methodSeries, m).add(o.Duration)
			s.series(&s.backendSeries, seriesKey{backend: o.Backend, method: m}).add(o.Duration)
		}
		if o.Role == RolePrimary && o.Err == nil {
			s.primary.add(o.Duration)
			for _, m := range outcomeMethods(o) {
				s.series(&s.primaryMethod, m).add(o.Duration)
			}
		}
	}

	if won && winner.Role == RolePrimary {
		s.chargeCU(winner)
	}
	return winner, won
}

func (s *StatsAggregator) chargeCU(o RequestOutcome) {
	keys := o.CUKeys
	if len(keys) == 0 {
		keys = o.Methods
	}
	for i, key := range keys {
		price := s.prices.Price(key)
		method := key
		if i < len(o.Methods) {
			method = o.Methods[i]
		}
		s.totalCU.Add(price)
		counter(&s.methodCU, method).Add(price)
		RecordComputeUnits(method, price)
	}
}

func (s *StatsAggregator) RecordWebSocket(ws WebSocketStats) {
	s.wsSessions.Add(1)
	s.wsClientMsgs.Add(ws.ClientToBackendMessages)
	s.wsBackendMsgs.Add(ws.BackendToClientMessages)
	s.wsTotalDuration.Add(int64(ws.Duration))
	if ws.Err != nil {
		s.wsErrors.Add(1)
		s.errorCount.Add(1)
	}
}

func fastestOutcome(outcomes []RequestOutcome) (RequestOutcome, bool) {
	var best RequestOutcome
	found := false
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		if !found || o.Duration < best.Duration {
			best = o
			found = true
		}
	}
	return best, found
}

func outcomeMethods(o RequestOutcome) []string {
	if len(o.Methods) == 0 {
		return []string{MethodUnknown}
	}
	return o.Methods
}

func (s *StatsAggregator) series(m *sync.Map, key any) *durationSeries {
	if v, ok := m.Load(key); ok {
		return v.(*durationSeries)
	}
	v, _ := m.LoadOrStore(key, &durationSeries{max: s.maxSamples})
	return v.(*durationSeries)
}

func counter(m *sync.Map, key any) *atomic.Uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (s *StatsAggregator) PrimaryPercentile(p float64) (time.Duration, bool) {
	return s.primary.percentile(p)
}

// PrimaryMethodPercentile only sees legs the primary answered without a
// transport error.
func (s *StatsAggregator) PrimaryMethodPercentile(method string, p float64) (time.Duration, bool) {
	v, ok := s.primaryMethod.Load(method)
	if !ok {
		return 0, false
	}
	return v.(*durationSeries).percentile(p)
}

func (s *StatsAggregator) MethodPercentile(method string, p float64) (time.Duration, bool) {
	v, ok := s.methodSeries.Load(method)
	if !ok {
		return 0, false
	}
	return v.(*durationSeries).percentile(p)
}

func (s *StatsAggregator) BackendMethodPercentile(backend, method string, p float64) (time.Duration, bool) {
	v, ok := s.backendSeries.Load(seriesKey{backend: backend, method: method})
	if !ok {
		return 0, false
	}
	return v.(*durationSeries).percentile(p)
}

func (s *StatsAggregator) Wins() map[string]uint64 {
	out := make(map[string]uint64)
	s.wins.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// MethodWins is keyed by method, then backend.
func (s *StatsAggregator) MethodWins() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	s.methodWins.Range(func(k, v any) bool {
		key := k.(seriesKey)
		if out[key.method] == nil {
			out[key.method] = make(map[string]uint64)
		}
		out[key.method][key.backend] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func (s *StatsAggregator) TotalCU() uint64 {
	return s.totalCU.Load()
}

func (s *StatsAggregator) MethodCU() map[string]uint64 {
	out := make(map[string]uint64)
	s.methodCU.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func (s *StatsAggregator) TotalRequests() uint64 {
	return s.totalRequests.Load()
}

func (s *StatsAggregator) ErrorCount() uint64 {
	return s.errorCount.Load()
}

type LatencySummary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func summarize(series *durationSeries) LatencySummary {
	sorted := series.sorted()
	if len(sorted) == 0 {
		return LatencySummary{}
	}
	p50, _ := percentileOf(sorted, 50)
	p90, _ := percentileOf(sorted, 90)
	p99, _ := percentileOf(sorted, 99)
	return LatencySummary{
		Count: len(sorted),
		Min:   sorted[0],
		P50:   p50,
		P90:   p90,
		P99:   p99,
		Max:   sorted[len(sorted)-1],
	}
}

type WebSocketSummary struct {
	Sessions                uint64        `json:"sessions"`
	Errors                  uint64        `json:"errors"`
	ClientToBackendMessages uint64        `json:"client_to_backend_messages"`
	BackendToClientMessages uint64        `json:"backend_to_client_messages"`
	TotalDuration           time.Duration `json:"total_duration"`
}

type StatsSummary struct {
	Uptime        time.Duration                        `json:"uptime"`
	TotalRequests uint64                               `json:"total_requests"`
	ErrorCount    uint64                               `json:"error_count"`
	TotalCU       uint64                               `json:"total_cu"`
	Wins          map[string]uint64                    `json:"wins"`
	MethodWins    map[string]map[string]uint64         `json:"method_wins"`
	MethodCU      map[string]uint64                    `json:"method_cu"`
	Primary       LatencySummary                       `json:"primary"`
	Methods       map[string]LatencySummary            `json:"methods"`
	Backends      map[string]map[string]LatencySummary `json:"backends"`
	WebSocket     WebSocketSummary                     `json:"websocket"`
}

func (s *StatsAggregator) Summary() StatsSummary {
	sum := StatsSummary{
		Uptime:        time.Since(s.startTime),
		TotalRequests: s.TotalRequests(),
		ErrorCount:    s.ErrorCount(),
		TotalCU:       s.TotalCU(),
		Wins:          s.Wins(),
		MethodWins:    s.MethodWins(),
		MethodCU:      s.MethodCU(),
		Primary:       summarize(s.primary),
		Methods:       make(map[string]LatencySummary),
		Backends:      make(map[string]map[string]LatencySummary),
		WebSocket: WebSocketSummary{
			Sessions:                s.wsSessions.Load(),
			Errors:                  s.wsErrors.Load(),
			ClientToBackendMessages: s.wsClientMsgs.Load(),
			BackendToClientMessages: s.wsBackendMsgs.Load(),
			TotalDuration:           time.Duration(s.wsTotalDuration.Load()),
		},
	}
	s.methodSeries.Range(func(k, v any) bool {
		sum.Methods[k.(string)] = summarize(v.(*durationSeries))
		return true
	})
	s.backendSeries.Range(func(k, v any) bool {
		key := k.(seriesKey)
		if sum.Backends[key.backend] == nil {
			sum.Backends[key.backend] = make(map[string]LatencySummary)
		}
		sum.Backends[key.backend][key.method] = summarize(v.(*durationSeries))
		return true
	})
	return sum
}
