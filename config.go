package benchproxy

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ServerConfig struct {
	ListenAddr       string       `toml:"listen_addr"`
	MaxBodySizeBytes int64        `toml:"max_body_size_bytes"`
	RequestTimeout   TOMLDuration `toml:"request_timeout"`
	// MaxConcurrentRPCs caps outbound backend calls. 0 means unlimited.
	MaxConcurrentRPCs int64  `toml:"max_concurrent_rpcs"`
	LogLevel          string `toml:"log_level"`

	EnableDetailedLogs    bool     `toml:"enable_detailed_logs"`
	EnableXServedByHeader bool     `toml:"enable_served_by_header"`
	AllowAllOrigins       bool     `toml:"allow_all_origins"`
	ForwardHeaders        []string `toml:"forward_headers"`

	SummaryInterval TOMLDuration `toml:"summary_interval"`
	RaceLogSize     int          `toml:"race_log_size"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Debug   bool   `toml:"debug"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

type BackendOptions struct {
	ResponseTimeout      TOMLDuration `toml:"response_timeout"`
	MaxResponseSizeBytes int64        `toml:"max_response_size_bytes"`
}

type ProbeConfig struct {
	Enabled           bool         `toml:"enabled"`
	Interval          TOMLDuration `toml:"interval"`
	Methods           []string     `toml:"methods"`
	MinDelayBuffer    TOMLDuration `toml:"min_delay_buffer"`
	MaxErrorThreshold int          `toml:"max_error_threshold"`
	RecoveryThreshold int          `toml:"recovery_threshold"`
}

type HeightTrackingConfig struct {
	Enabled         bool   `toml:"enabled"`
	MaxBlocksBehind uint64 `toml:"max_blocks_behind"`
}

type RoutingConfig struct {
	EnableExpensiveMethodRouting bool   `toml:"enable_expensive_method_routing"`
	CUPricesFile                 string `toml:"cu_prices_file"`
}

type BackendRole string

const (
	RolePrimary   BackendRole = "primary"
	RoleSecondary BackendRole = "secondary"
)

type BackendConfig struct {
	Role    BackendRole       `toml:"role"`
	RPCURL  string            `toml:"rpc_url"`
	WSURL   string            `toml:"ws_url"`
	Headers map[string]string `toml:"headers"`
}

type BackendsConfig map[string]*BackendConfig

type Config struct {
	Server         ServerConfig         `toml:"server"`
	Metrics        MetricsConfig        `toml:"metrics"`
	BackendOptions BackendOptions       `toml:"backend"`
	Probe          ProbeConfig          `toml:"probe"`
	HeightTracking HeightTrackingConfig `toml:"height_tracking"`
	Routing        RoutingConfig        `toml:"routing"`
	Backends       BackendsConfig       `toml:"backends"`
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultMaxBodySizeBytes  = 10 * 1024 * 1024
	defaultRequestTimeout    = 35 * time.Second
	defaultResponseTimeout   = 30 * time.Second
	defaultSummaryInterval   = 60 * time.Second
	defaultRaceLogSize       = 256
	defaultProbeInterval     = 10 * time.Second
	defaultMinDelayBuffer    = 500 * time.Millisecond
	defaultMaxErrorThreshold = 5
	defaultRecoveryThreshold = 3
	defaultMaxBlocksBehind   = 5
	defaultMetricsPort       = 7300
)

var defaultProbeMethods = []string{"eth_blockNumber", "net_version"}

// NewConfig returns a config with probing and height tracking switched on,
// matching what an unconfigured deployment gets from the environment alone.
func NewConfig() *Config {
	cfg := &Config{
		Probe: ProbeConfig{
			Enabled:        true,
			MinDelayBuffer: TOMLDuration(defaultMinDelayBuffer),
		},
		HeightTracking: HeightTrackingConfig{
			Enabled:         true,
			MaxBlocksBehind: defaultMaxBlocksBehind,
		},
		Backends: make(BackendsConfig),
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills fields left unset. MinDelayBuffer and MaxBlocksBehind
// are seeded by NewConfig instead, since zero is a valid setting for both.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.MaxBodySizeBytes == 0 {
		c.Server.MaxBodySizeBytes = defaultMaxBodySizeBytes
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = TOMLDuration(defaultRequestTimeout)
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SummaryInterval == 0 {
		c.Server.SummaryInterval = TOMLDuration(defaultSummaryInterval)
	}
	if c.Server.RaceLogSize == 0 {
		c.Server.RaceLogSize = defaultRaceLogSize
	}
	if c.Metrics.Host == "" {
		c.Metrics.Host = "0.0.0.0"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.BackendOptions.ResponseTimeout == 0 {
		c.BackendOptions.ResponseTimeout = TOMLDuration(defaultResponseTimeout)
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = TOMLDuration(defaultProbeInterval)
	}
	if len(c.Probe.Methods) == 0 {
		c.Probe.Methods = append([]string(nil), defaultProbeMethods...)
	}
	if c.Probe.MaxErrorThreshold == 0 {
		c.Probe.MaxErrorThreshold = defaultMaxErrorThreshold
	}
	if c.Probe.RecoveryThreshold == 0 {
		c.Probe.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.Backends == nil {
		c.Backends = make(BackendsConfig)
	}
}

// ApplyEnvOverrides lets the plain environment variables of the
// env-only deployment override whatever the config file set.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("LISTEN_ADDR"); ok && v != "" {
		c.Server.ListenAddr = v
	}
	if v, ok := lookup("PRIMARY_BACKEND_URL"); ok && v != "" {
		for name, be := range c.Backends {
			if be.Role == RolePrimary && name != "primary" {
				delete(c.Backends, name)
			}
		}
		c.Backends["primary"] = &BackendConfig{Role: RolePrimary, RPCURL: v}
	}
	if v, ok := lookup("SECONDARY_BACKEND_URLS"); ok && v != "" {
		for name, be := range c.Backends {
			if be.Role == RoleSecondary {
				delete(c.Backends, name)
			}
		}
		i := 0
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			i++
			c.Backends[fmt.Sprintf("secondary-%d", i)] = &BackendConfig{Role: RoleSecondary, RPCURL: u}
		}
	}

	type override struct {
		name  string
		apply func(string) error
	}
	overrides := []override{
		{"SUMMARY_INTERVAL_SECS", durationOverride(&c.Server.SummaryInterval, time.Second)},
		{"ENABLE_DETAILED_LOGS", boolOverride(&c.Server.EnableDetailedLogs)},
		{"ENABLE_SECONDARY_PROBING", boolOverride(&c.Probe.Enabled)},
		{"PROBE_INTERVAL_SECS", durationOverride(&c.Probe.Interval, time.Second)},
		{"MIN_DELAY_BUFFER_MS", durationOverride(&c.Probe.MinDelayBuffer, time.Millisecond)},
		{"MAX_ERROR_THRESHOLD", intOverride(&c.Probe.MaxErrorThreshold)},
		{"RECOVERY_THRESHOLD", intOverride(&c.Probe.RecoveryThreshold)},
		{"ENABLE_BLOCK_HEIGHT_TRACKING", boolOverride(&c.HeightTracking.Enabled)},
		{"MAX_BLOCKS_BEHIND", func(v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return err
			}
			c.HeightTracking.MaxBlocksBehind = n
			return nil
		}},
		{"ENABLE_EXPENSIVE_METHOD_ROUTING", boolOverride(&c.Routing.EnableExpensiveMethodRouting)},
		{"MAX_BODY_SIZE_BYTES", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			c.Server.MaxBodySizeBytes = n
			return nil
		}},
		{"HTTP_CLIENT_TIMEOUT_SECS", durationOverride(&c.BackendOptions.ResponseTimeout, time.Second)},
		{"REQUEST_CONTEXT_TIMEOUT_SECS", durationOverride(&c.Server.RequestTimeout, time.Second)},
		{"PROBE_METHODS", func(v string) error {
			methods := make([]string, 0)
			for _, m := range strings.Split(v, ",") {
				if m = strings.TrimSpace(m); m != "" {
					methods = append(methods, m)
				}
			}
			c.Probe.Methods = methods
			return nil
		}},
	}
	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return errors.Wrapf(err, "invalid value for %s", o.name)
		}
	}
	return nil
}

func boolOverride(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func intOverride(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func durationOverride(dst *TOMLDuration, unit time.Duration) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = TOMLDuration(time.Duration(n) * unit)
		return nil
	}
}

func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return errors.New("must define at least one backend")
	}

	primaries := 0
	for name, be := range c.Backends {
		if be == nil {
			return errors.Errorf("backend [%s] is empty", name)
		}
		switch be.Role {
		case RolePrimary:
			primaries++
		case RoleSecondary:
		default:
			return errors.Errorf("backend [%s] has invalid role %q", name, be.Role)
		}
		if be.RPCURL == "" {
			return errors.Errorf("backend [%s] rpc url is missing", name)
		}
	}
	if primaries != 1 {
		return errors.Errorf("exactly one primary backend is required, found %d", primaries)
	}

	if c.Probe.Enabled {
		if c.Probe.Interval <= 0 {
			return errors.New("probe interval must be positive")
		}
		if c.Probe.MaxErrorThreshold <= 0 || c.Probe.RecoveryThreshold <= 0 {
			return errors.New("probe thresholds must be positive")
		}
	}
	if c.Server.MaxBodySizeBytes <= 0 {
		return errors.New("max body size must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		return errors.New("metrics is enabled but port is missing")
	}

	return nil
}

func ReadFromEnvOrConfig(value string) (string, error) {
	if strings.HasPrefix(value, "$") {
		envValue := os.Getenv(strings.TrimPrefix(value, "$"))
		if envValue == "" {
			return "", fmt.Errorf("config env var %s not found", value)
		}
		return envValue, nil
	}

	if strings.HasPrefix(value, "\\") {
		return strings.TrimPrefix(value, "\\"), nil
	}

	return value, nil
}
