package benchproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

func SetLogLevel(logLevel slog.Leveler) {
	log.SetDefault(log.NewLogger(slog.NewJSONHandler(
		os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func LevelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// BuildBackends resolves the configured backends into the primary and the
// secondaries, sorted by name.
func BuildBackends(config *Config) (*Backend, []*Backend, error) {
	var rpcSem *semaphore.Weighted
	if config.Server.MaxConcurrentRPCs > 0 {
		rpcSem = semaphore.NewWeighted(config.Server.MaxConcurrentRPCs)
	}

	var primary *Backend
	secondaries := make([]*Backend, 0, len(config.Backends))
	for _, name := range sortedKeys(config.Backends) {
		cfg := config.Backends[name]
		rpcURL, err := ReadFromEnvOrConfig(cfg.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		opts := []BackendOpt{
			WithTimeout(time.Duration(config.BackendOptions.ResponseTimeout)),
		}
		if config.BackendOptions.MaxResponseSizeBytes > 0 {
			opts = append(opts, WithMaxResponseSize(config.BackendOptions.MaxResponseSizeBytes))
		}
		if cfg.WSURL != "" {
			wsURL, err := ReadFromEnvOrConfig(cfg.WSURL)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, WithWSURL(wsURL))
		}
		if len(cfg.Headers) > 0 {
			headers := make(map[string]string, len(cfg.Headers))
			for k, v := range cfg.Headers {
				value, err := ReadFromEnvOrConfig(v)
				if err != nil {
					return nil, nil, err
				}
				headers[k] = value
			}
			opts = append(opts, WithHeaders(headers))
		}

		be := NewBackend(name, cfg.Role, rpcURL, rpcSem, opts...)
		if be.IsPrimary() {
			primary = be
		} else {
			secondaries = append(secondaries, be)
		}
		log.Info("configured backend", "name", name, "role", cfg.Role, "ws_url_set", cfg.WSURL != "")
	}
	if primary == nil {
		return nil, nil, errors.New("no primary backend configured")
	}
	return primary, secondaries, nil
}

func Start(config *Config) (*Server, func(), error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	MetricsDebug = config.Metrics.Debug

	primary, secondaries, err := BuildBackends(config)
	if err != nil {
		return nil, nil, err
	}

	prices := DefaultCUPrices()
	if config.Routing.CUPricesFile != "" {
		prices, err = LoadCUPrices(config.Routing.CUPricesFile)
		if err != nil {
			return nil, nil, err
		}
	}
	stats := NewStatsAggregator(prices)

	var prober *HealthProber
	if config.Probe.Enabled && len(secondaries) > 0 {
		prober = NewHealthProber(secondaries, config.Probe)
	}
	var watcher *HeightWatcher
	if config.HeightTracking.Enabled {
		watcher = NewHeightWatcher(primary, secondaries, config.HeightTracking.MaxBlocksBehind)
	}

	races, err := NewRaceLog(config.Server.RaceLogSize)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating race log: %w", err)
	}

	dispatcher := NewDispatcher(
		primary,
		secondaries,
		prober,
		watcher,
		stats,
		WithExpensiveMethodRouting(config.Routing.EnableExpensiveMethodRouting),
		WithDetailedLogs(config.Server.EnableDetailedLogs),
		WithRaceLog(races),
	)

	srv := NewServer(
		dispatcher,
		stats,
		config.Server.MaxBodySizeBytes,
		time.Duration(config.Server.RequestTimeout),
		WithServedByHeader(config.Server.EnableXServedByHeader),
		WithAllowAllOrigins(config.Server.AllowAllOrigins),
		WithForwardHeaders(config.Server.ForwardHeaders),
		WithStatusAPI(NewStatusAPIHandler(dispatcher, prober, watcher, stats, races)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	if prober != nil {
		g.Go(func() error { return prober.Run(gctx) })
	} else {
		log.Info("secondary probing disabled")
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	} else {
		log.Info("block height tracking disabled")
	}
	summary := NewSummaryLogger(
		time.Duration(config.Server.SummaryInterval),
		stats,
		prober,
		watcher,
		dispatcher,
		time.Duration(config.Probe.MinDelayBuffer),
	)
	g.Go(func() error { return summary.Run(gctx) })

	var metricsSrv *http.Server
	if config.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", config.Metrics.Host, config.Metrics.Port)
		metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("starting metrics server", "addr", addr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting metrics server", "err", err)
			}
		}()
	}

	// To allow integration tests to cleanly come up, wait
	// 10ms to give the below goroutine enough time to
	// encounter an error creating the server
	errTimer := time.NewTimer(10 * time.Millisecond)

	go func() {
		if err := srv.ListenAndServe(config.Server.ListenAddr); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("RPC server shut down")
				return
			}
			log.Crit("error starting RPC server", "err", err)
		}
	}()

	<-errTimer.C
	log.Info("started benchproxy",
		"listen_addr", config.Server.ListenAddr,
		"primary", primary.Name,
		"secondaries", len(secondaries),
		"probing", prober != nil,
		"height_tracking", watcher != nil)

	shutdownFunc := func() {
		log.Info("shutting down benchproxy")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		cancel()
		if err := g.Wait(); err != nil {
			log.Error("background task failed", "err", err)
		}
		log.Info("goodbye")
	}

	return srv, shutdownFunc, nil
}
