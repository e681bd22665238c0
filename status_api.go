package benchproxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

type StatusAPIHandler struct {
	dispatcher *Dispatcher
	prober     *HealthProber
	watcher    *HeightWatcher
	stats      *StatsAggregator
	races      *RaceLog
}

type backendStatus struct {
	Name          string         `json:"name"`
	Role          BackendRole    `json:"role"`
	Health        *BackendHealth `json:"health,omitempty"`
	Height        *HeightRecord  `json:"height,omitempty"`
	Behind        bool           `json:"behind"`
	LowestLatency time.Duration  `json:"lowest_latency,omitempty"`
}

type statusResponse struct {
	Backends        []backendStatus          `json:"backends"`
	MinLatency      time.Duration            `json:"min_latency,omitempty"`
	MethodLatencies map[string]time.Duration `json:"method_latencies,omitempty"`
	SecondaryDelays map[string]time.Duration `json:"secondary_delays"`
	Stats           StatsSummary             `json:"stats"`
	ProbingEnabled  bool                     `json:"probing_enabled"`
	TrackingEnabled bool                     `json:"height_tracking_enabled"`
}

func NewStatusAPIHandler(
	dispatcher *Dispatcher,
	prober *HealthProber,
	watcher *HeightWatcher,
	stats *StatsAggregator,
	races *RaceLog,
) *StatusAPIHandler {
	return &StatusAPIHandler{
		dispatcher: dispatcher,
		prober:     prober,
		watcher:    watcher,
		stats:      stats,
		races:      races,
	}
}

func writeStatusResponse(w http.ResponseWriter, statusCode int, v any) {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.Error("failed to marshal status response", "err", err)
		statusCode = http.StatusInternalServerError
		body = []byte("internal server error")
	}

	RecordHTTPResponseCode(statusCode)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		log.Error("failed to send status response", "err", err)
	}
}

func (h *StatusAPIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	res := statusResponse{
		SecondaryDelays: make(map[string]time.Duration),
		ProbingEnabled:  h.prober != nil,
		TrackingEnabled: h.watcher != nil,
	}

	backends := make([]*Backend, 0, len(h.dispatcher.Secondaries())+1)
	if p := h.dispatcher.Primary(); p != nil {
		backends = append(backends, p)
	}
	backends = append(backends, h.dispatcher.Secondaries()...)

	for _, be := range backends {
		bs := backendStatus{
			Name: be.Name,
			Role: be.Role,
		}
		if h.prober != nil && !be.IsPrimary() {
			if health, ok := h.prober.Health(be.Name); ok {
				bs.Health = &health
			}
			if lat, ok := h.prober.LowestBackendLatency(be.Name); ok {
				bs.LowestLatency = lat
			}
		}
		if h.watcher != nil {
			if height, ok := h.watcher.Height(be.Name); ok {
				bs.Height = &height
			}
			if !be.IsPrimary() {
				bs.Behind = h.watcher.IsSecondaryBehind(be.Name)
			}
		}
		res.Backends = append(res.Backends, bs)
	}

	if h.prober != nil {
		res.MinLatency = h.prober.MinLatency()
		res.MethodLatencies = h.prober.MethodLatencies()
		for _, m := range h.prober.Methods() {
			res.SecondaryDelays[m] = h.dispatcher.SecondaryDelay([]string{m})
		}
	}
	if h.stats != nil {
		res.Stats = h.stats.Summary()
	}

	writeStatusResponse(w, http.StatusOK, res)
}

func (h *StatusAPIHandler) HandleRaces(w http.ResponseWriter, r *http.Request) {
	races := make([]RaceSummary, 0)
	if h.races != nil {
		races = h.races.Recent()
	}
	writeStatusResponse(w, http.StatusOK, races)
}
