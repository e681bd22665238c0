package benchproxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const maxSignificantDigits = 6

// SummaryLogger periodically logs the accumulated benchmark results.
type SummaryLogger struct {
	interval   time.Duration
	stats      *StatsAggregator
	prober     *HealthProber
	watcher    *HeightWatcher
	dispatcher *Dispatcher
	buffer     time.Duration
}

func NewSummaryLogger(
	interval time.Duration,
	stats *StatsAggregator,
	prober *HealthProber,
	watcher *HeightWatcher,
	dispatcher *Dispatcher,
	buffer time.Duration,
) *SummaryLogger {
	if interval <= 0 {
		interval = defaultSummaryInterval
	}
	return &SummaryLogger{
		interval:   interval,
		stats:      stats,
		prober:     prober,
		watcher:    watcher,
		dispatcher: dispatcher,
		buffer:     buffer,
	}
}

func (l *SummaryLogger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Log()
			return nil
		case <-ticker.C:
			l.Log()
		}
	}
}

func (l *SummaryLogger) Log() {
	sum := l.stats.Summary()

	errorRate := 0.0
	if total := sum.TotalRequests + sum.WebSocket.Sessions; total > 0 {
		errorRate = float64(sum.ErrorCount) / float64(total) * 100
	}
	log.Info("=== BENCHMARK PROXY SUMMARY ===",
		"uptime", sum.Uptime.Round(time.Second).String(),
		"total_requests", sum.TotalRequests,
		"ws_sessions", sum.WebSocket.Sessions,
		"error_rate", fmt.Sprintf("%.2f%%", errorRate),
		"total_cu", sum.TotalCU)

	if l.prober != nil {
		floor := l.prober.MinLatency()
		log.Info("--- secondary probe status ---",
			"min_latency", formatDuration(floor),
			"buffer", formatDuration(l.buffer),
			"effective_delay", formatDuration(l.prober.DelayForMethod("")))
		latencies := l.prober.MethodLatencies()
		for _, m := range sortedKeys(latencies) {
			log.Info("probe method threshold",
				"method", m,
				"min_latency", formatDuration(latencies[m]),
				"delay", formatDuration(l.prober.DelayForMethod(m)))
		}
		health := l.prober.Snapshot()
		for _, name := range sortedKeys(health) {
			h := health[name]
			lat, _ := l.prober.LowestBackendLatency(name)
			log.Info("secondary health",
				"backend", name,
				"available", h.Available,
				"consecutive_errors", h.ConsecutiveErrors,
				"min_latency", formatDuration(lat))
		}
	}

	if l.watcher != nil {
		heights := l.watcher.Heights()
		var primaryHeight uint64
		primaryName := ""
		if l.dispatcher != nil && l.dispatcher.Primary() != nil {
			primaryName = l.dispatcher.Primary().Name
			primaryHeight = heights[primaryName]
		}
		for _, name := range sortedKeys(heights) {
			h := heights[name]
			status := "in sync"
			switch {
			case name == primaryName || primaryHeight == 0:
				status = ""
			case h > primaryHeight:
				status = fmt.Sprintf("+%d ahead", h-primaryHeight)
			case h < primaryHeight:
				status = fmt.Sprintf("-%d behind", primaryHeight-h)
			}
			log.Info("block height", "backend", name, "height", h, "status", status)
		}
	}

	if l.stats.TotalRequests() == 0 {
		log.Info("=== END SUMMARY ===")
		return
	}

	log.Info("--- primary latency ---",
		"count", sum.Primary.Count,
		"min", formatDuration(sum.Primary.Min),
		"p50", formatDuration(sum.Primary.P50),
		"p90", formatDuration(sum.Primary.P90),
		"p99", formatDuration(sum.Primary.P99),
		"max", formatDuration(sum.Primary.Max))

	for _, backend := range sortedKeys(sum.Wins) {
		wins := sum.Wins[backend]
		log.Info("race wins",
			"backend", backend,
			"wins", wins,
			"share", fmt.Sprintf("%.2f%%", float64(wins)/float64(sum.TotalRequests)*100))
	}

	for _, m := range sortedKeys(sum.Methods) {
		ls := sum.Methods[m]
		log.Info("method latency",
			"method", m,
			"count", ls.Count,
			"p50", formatDuration(ls.P50),
			"p90", formatDuration(ls.P90),
			"p99", formatDuration(ls.P99),
			"cu", sum.MethodCU[m])
	}
	log.Info("=== END SUMMARY ===")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration renders d with at most six significant digits.
func formatDuration(d time.Duration) string {
	str := d.String()
	dot := strings.IndexByte(str, '.')
	if dot == -1 {
		return str
	}

	unit := len(str)
	for i := dot + 1; i < len(str); i++ {
		if str[i] < '0' || str[i] > '9' {
			unit = i
			break
		}
	}

	digits := 0
	for i := 0; i < dot; i++ {
		if str[i] >= '0' && str[i] <= '9' {
			digits++
		}
	}

	decimals := maxSignificantDigits - digits
	if decimals <= 0 {
		return str[:dot] + str[unit:]
	}
	end := dot + 1 + decimals
	if end > unit {
		end = unit
	}
	return str[:end] + str[unit:]
}
