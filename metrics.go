package benchproxy

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "benchproxy"

	SourceClient  = "client"
	SourceBackend = "backend"

	MethodLabelOther = "other"
	MethodLabelBatch = "batch"
)

// metricMethods are the only method names used as label values. Method
// names come from clients, so anything unlisted collapses to "other".
var metricMethods = newMetricMethods()

func newMetricMethods() *StringSet {
	methods := []string{MethodUnknown, MethodLabelOther, MethodLabelBatch}
	for key := range DefaultCUPrices() {
		if i := strings.IndexByte(key, '#'); i > 0 {
			key = key[:i]
		}
		methods = append(methods, key)
	}
	for m := range statefulMethods.underlying {
		methods = append(methods, m)
	}
	for m := range expensiveMethods.underlying {
		methods = append(methods, m)
	}
	methods = append(methods, defaultProbeMethods...)
	return NewStringSetFromStrings(methods)
}

func MethodMetricLabel(method string) string {
	if metricMethods.Has(method) {
		return method
	}
	return MethodLabelOther
}

func RequestMetricLabel(info *RequestInfo) string {
	if info.IsBatch {
		return MethodLabelBatch
	}
	if len(info.Methods) == 0 {
		return MethodUnknown
	}
	return MethodMetricLabel(info.Methods[0])
}

var (
	// MetricsDebug logs every metric update at debug level.
	MetricsDebug bool

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "http_requests_total",
		Help:      "Count of inbound HTTP requests by response status code.",
	}, []string{
		"status_code",
	})

	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "backend_requests_total",
		Help:      "Count of race legs sent to backends.",
	}, []string{
		"backend",
		"role",
		"outcome",
	})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "backend_request_duration_seconds",
		Help:      "Round trip time of race legs.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{
		"backend",
		"method",
	})

	raceWinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "race_wins_total",
		Help:      "Count of races won per backend.",
	}, []string{
		"backend",
	})

	secondaryDelaySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "secondary_delay_seconds",
		Help:      "Most recent head start given to the primary, per method label.",
	}, []string{
		"method",
	})

	probeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "probe_duration_seconds",
		Help:      "Round trip time of synthetic probe calls.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{
		"backend",
		"method",
	})

	probeResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "probe_results_total",
		Help:      "Count of probe calls by result.",
	}, []string{
		"backend",
		"result",
	})

	backendAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "backend_available",
		Help:      "1 when the prober considers the secondary available.",
	}, []string{
		"backend",
	})

	backendBlockHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "backend_block_height",
		Help:      "Latest block height seen on the backend's newHeads feed.",
	}, []string{
		"backend",
	})

	heightWatcherReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "height_watcher_reconnects_total",
		Help:      "Count of newHeads subscription reconnects.",
	}, []string{
		"backend",
	})

	wsSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "ws_sessions_active",
		Help:      "Number of relayed websocket sessions.",
	})

	wsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "ws_messages_total",
		Help:      "Count of relayed websocket messages.",
	}, []string{
		"source",
	})

	computeUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "compute_units_total",
		Help:      "Compute units charged to the primary.",
	}, []string{
		"method",
	})

	tooManyRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "too_many_request_errors_total",
		Help:      "Count of backend calls rejected by the concurrency limit.",
	}, []string{
		"backend",
	})
)

func RecordHTTPResponseCode(code int) {
	httpRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordBackendRequest(backend string, role BackendRole, method string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if MetricsDebug {
		log.Debug("metric inc",
			"m", "backend_requests_total",
			"backend", backend,
			"role", role,
			"outcome", outcome,
			"duration", d)
	}
	backendRequestsTotal.WithLabelValues(backend, string(role), outcome).Inc()
	if err == nil {
		backendRequestDuration.WithLabelValues(backend, MethodMetricLabel(method)).Observe(d.Seconds())
	}
}

func RecordRaceWin(backend string) {
	if MetricsDebug {
		log.Debug("metric inc", "m", "race_wins_total", "backend", backend)
	}
	raceWinsTotal.WithLabelValues(backend).Inc()
}

func RecordSecondaryDelay(method string, d time.Duration) {
	secondaryDelaySeconds.WithLabelValues(MethodMetricLabel(method)).Set(d.Seconds())
}

func RecordProbe(backend string, method string, d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	} else {
		probeDuration.WithLabelValues(backend, MethodMetricLabel(method)).Observe(d.Seconds())
	}
	if MetricsDebug {
		log.Debug("metric inc",
			"m", "probe_results_total",
			"backend", backend,
			"method", method,
			"result", result)
	}
	probeResultsTotal.WithLabelValues(backend, result).Inc()
}

func RecordBackendAvailable(backend string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	if MetricsDebug {
		log.Debug("metric set", "m", "backend_available", "backend", backend, "value", v)
	}
	backendAvailable.WithLabelValues(backend).Set(v)
}

func RecordBackendHeight(backend string, height uint64) {
	backendBlockHeight.WithLabelValues(backend).Set(float64(height))
}

func RecordHeightWatcherReconnect(backend string) {
	heightWatcherReconnectsTotal.WithLabelValues(backend).Inc()
}

func RecordWSSessionStart() {
	wsSessionsActive.Inc()
}

func RecordWSSessionEnd() {
	wsSessionsActive.Dec()
}

func RecordWSMessage(source string) {
	wsMessagesTotal.WithLabelValues(source).Inc()
}

func RecordComputeUnits(method string, cu uint64) {
	if cu == 0 {
		return
	}
	computeUnitsTotal.WithLabelValues(MethodMetricLabel(method)).Add(float64(cu))
}

func RecordTooManyRequests(backend string) {
	tooManyRequestErrorsTotal.WithLabelValues(backend).Inc()
}
