// Package config carries the process configuration, resolved from the
// environment with compiled-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration constants for scheduling, queueing and I/O.
const (
	DefaultWorkerCount        = 5
	DefaultCommandWorkerCount = 2
	DefaultTickInterval       = 60 * time.Second
	MinTickInterval           = 5 * time.Second
	MaxTickInterval           = 15 * time.Minute
	DefaultDrainTimeout       = 30 * time.Second
	DefaultAttemptsMax        = 3
	DefaultBackoffBase        = 2 * time.Second
	DefaultStallTimeout       = 60 * time.Second
	DefaultControlTimeout     = 30 * time.Second
	DefaultReadTimeout        = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultFreshnessWindow    = 5 * time.Minute
	DefaultConfigRefresh      = 5 * time.Minute
	DefaultStateTTL           = 24 * time.Hour
	DefaultRotationInterval   = 7 * 24 * time.Hour
)

// Config is the resolved runtime configuration for the daemon.
type Config struct {
	StateCacheURL string
	// QueueURL is the store for queue snapshots. Empty means the state
	// cache doubles as the queue store.
	QueueURL        string
	TelemetryURL    string
	TelemetryDB     string
	CommandSinkURLs []string
	CommandDB       string
	ConfigStoreURL  string

	WorkerCount        int
	CommandWorkerCount int
	TickInterval       time.Duration
	DrainTimeout       time.Duration
	RotationInterval   time.Duration

	ListenAddr string

	// RequireBothSinks flips the dual-write policy from at-least-one to
	// both-must-succeed.
	RequireBothSinks bool

	// MirroredCommandTypes is the allow-list of command types echoed to
	// the UICommands measurement.
	MirroredCommandTypes []string
}

// DefaultMirroredCommandTypes seeds the UICommands allow-list.
var DefaultMirroredCommandTypes = []string{
	"supplyTempSetpoint",
	"temperatureSetpoint",
	"mixedAirSetpoint",
	"setpointAdjustment",
	"targetTemperature",
	"APPLY_CONTROL_SETTINGS",
}

// FromEnv resolves the configuration from environment variables, applying
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		StateCacheURL:        envOr("STATE_CACHE_URL", "localhost:6379"),
		QueueURL:             envOr("QUEUE_URL", ""),
		TelemetryURL:         envOr("TELEMETRY_URL", "http://localhost:8181"),
		TelemetryDB:          envOr("TELEMETRY_DB", "metrics"),
		CommandDB:            envOr("COMMAND_DB", "control"),
		ConfigStoreURL:       envOr("CONFIG_STORE_URL", "http://localhost:8282"),
		ListenAddr:           envOr("LISTEN_ADDR", ":9090"),
		MirroredCommandTypes: append([]string(nil), DefaultMirroredCommandTypes...),
	}

	sinks := envOr("COMMAND_SINK_URLS", "http://localhost:8181")
	for _, s := range strings.Split(sinks, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			cfg.CommandSinkURLs = append(cfg.CommandSinkURLs, s)
		}
	}
	if len(cfg.CommandSinkURLs) == 0 {
		return nil, fmt.Errorf("COMMAND_SINK_URLS resolved to zero sinks")
	}

	var err error
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", DefaultWorkerCount); err != nil {
		return nil, err
	}
	if cfg.CommandWorkerCount, err = envInt("COMMAND_WORKER_COUNT", DefaultCommandWorkerCount); err != nil {
		return nil, err
	}

	tickSecs, err := envInt("TICK_INTERVAL_SECONDS", int(DefaultTickInterval/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.TickInterval = ClampTickInterval(time.Duration(tickSecs) * time.Second)

	drainSecs, err := envInt("DRAIN_TIMEOUT_SECONDS", int(DefaultDrainTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.DrainTimeout = time.Duration(drainSecs) * time.Second

	rotationDays, err := envInt("LEAD_LAG_ROTATION_INTERVAL_DAYS", 7)
	if err != nil {
		return nil, err
	}
	cfg.RotationInterval = time.Duration(rotationDays) * 24 * time.Hour

	return cfg, nil
}

// ClampTickInterval bounds a site tick interval to the supported range.
func ClampTickInterval(d time.Duration) time.Duration {
	if d < MinTickInterval {
		return MinTickInterval
	}
	if d > MaxTickInterval {
		return MaxTickInterval
	}
	return d
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}
