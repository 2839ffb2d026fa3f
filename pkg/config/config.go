package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables of the orchestrator. Every field maps to one
// environment variable; a YAML config file may override any of them and
// additionally supplies the static auth token table.
type Config struct {
	HTTPAddr string
	DataDir  string

	LogLevel string
	LogJSON  bool

	HeartbeatStale         time.Duration
	HealthTick             time.Duration
	CommandTimeout         time.Duration
	AttestationTick        time.Duration
	AttestationWindow      time.Duration
	AttestationPauseAfter  int
	AttestationFatalAfter  int
	ReputationTick         time.Duration
	ReputationStartDelay   time.Duration
	CleanupTick            time.Duration
	DeletedRetention       time.Duration
	MinUptimeForScheduling float64
	EventRingCapacity      int
	SnapshotInterval       time.Duration
	BillingTick            time.Duration

	// AuthTokens maps bearer token -> "kind:id" (kind is user, node or admin).
	// Only settable through the config file, never the environment.
	AuthTokens map[string]string
}

// env variable names, as enumerated by the platform docs
const (
	envHTTPAddr             = "HTTP_ADDR"
	envDataDir              = "DATA_DIR"
	envLogLevel             = "LOG_LEVEL"
	envLogJSON              = "LOG_JSON"
	envHeartbeatStale       = "HEARTBEAT_STALE_SECONDS"
	envHealthTick           = "HEALTH_TICK_SECONDS"
	envCommandTimeout       = "COMMAND_TIMEOUT_SECONDS"
	envAttestationTick      = "ATTESTATION_TICK_SECONDS"
	envAttestationWindow    = "ATTESTATION_WINDOW_SECONDS"
	envAttestationPause     = "ATTESTATION_PAUSE_THRESHOLD"
	envAttestationFatal     = "ATTESTATION_FATAL_THRESHOLD"
	envReputationTick       = "REPUTATION_TICK_SECONDS"
	envReputationStartDelay = "REPUTATION_STARTUP_DELAY_SECONDS"
	envCleanupTick          = "CLEANUP_TICK_SECONDS"
	envDeletedRetention     = "DELETED_RETENTION_DAYS"
	envMinUptime            = "MIN_UPTIME_FOR_SCHEDULING"
	envEventRingCapacity    = "EVENT_RING_CAPACITY"
	envSnapshotInterval     = "SNAPSHOT_INTERVAL_SECONDS"
	envBillingTick          = "BILLING_TICK_SECONDS"
)

// Load builds a Config from environment variables layered over defaults,
// optionally layered under a YAML config file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault(envHTTPAddr, ":8080")
	v.SetDefault(envDataDir, "./data")
	v.SetDefault(envLogLevel, "info")
	v.SetDefault(envLogJSON, false)
	v.SetDefault(envHeartbeatStale, 90)
	v.SetDefault(envHealthTick, 30)
	v.SetDefault(envCommandTimeout, 300)
	v.SetDefault(envAttestationTick, 60)
	v.SetDefault(envAttestationWindow, 30)
	v.SetDefault(envAttestationPause, 3)
	v.SetDefault(envAttestationFatal, 10)
	v.SetDefault(envReputationTick, 3600)
	v.SetDefault(envReputationStartDelay, 300)
	v.SetDefault(envCleanupTick, 3600)
	v.SetDefault(envDeletedRetention, 7)
	v.SetDefault(envMinUptime, 90.0)
	v.SetDefault(envEventRingCapacity, 10000)
	v.SetDefault(envSnapshotInterval, 300)
	v.SetDefault(envBillingTick, 60)

	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		HTTPAddr:               v.GetString(envHTTPAddr),
		DataDir:                v.GetString(envDataDir),
		LogLevel:               v.GetString(envLogLevel),
		LogJSON:                v.GetBool(envLogJSON),
		HeartbeatStale:         seconds(v.GetInt(envHeartbeatStale)),
		HealthTick:             seconds(v.GetInt(envHealthTick)),
		CommandTimeout:         seconds(v.GetInt(envCommandTimeout)),
		AttestationTick:        seconds(v.GetInt(envAttestationTick)),
		AttestationWindow:      seconds(v.GetInt(envAttestationWindow)),
		AttestationPauseAfter:  v.GetInt(envAttestationPause),
		AttestationFatalAfter:  v.GetInt(envAttestationFatal),
		ReputationTick:         seconds(v.GetInt(envReputationTick)),
		ReputationStartDelay:   seconds(v.GetInt(envReputationStartDelay)),
		CleanupTick:            seconds(v.GetInt(envCleanupTick)),
		DeletedRetention:       time.Duration(v.GetInt(envDeletedRetention)) * 24 * time.Hour,
		MinUptimeForScheduling: v.GetFloat64(envMinUptime),
		EventRingCapacity:      v.GetInt(envEventRingCapacity),
		SnapshotInterval:       seconds(v.GetInt(envSnapshotInterval)),
		BillingTick:            seconds(v.GetInt(envBillingTick)),
		AuthTokens:             v.GetStringMapString("auth.tokens"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AttestationPauseAfter < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", envAttestationPause, c.AttestationPauseAfter)
	}
	if c.AttestationFatalAfter < c.AttestationPauseAfter {
		return fmt.Errorf("%s must be >= %s", envAttestationFatal, envAttestationPause)
	}
	if c.MinUptimeForScheduling < 0 || c.MinUptimeForScheduling > 100 {
		return fmt.Errorf("%s must be within [0,100], got %v", envMinUptime, c.MinUptimeForScheduling)
	}
	if c.EventRingCapacity < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", envEventRingCapacity, c.EventRingCapacity)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
