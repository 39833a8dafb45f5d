// =============================================================================
// Agent default configuration
// =============================================================================
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultConfig returns the agent's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent:     DefaultAgentConfig(),
		Events:    DefaultEventsConfig(),
		Queue:     DefaultQueueConfig(),
		Database:  DefaultDatabaseConfig(),
		Control:   DefaultControlConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Modules:   map[string]map[string]any{},
	}
}

// DefaultAgentConfig returns the default agent section.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:        "",
		RetryInterval:    Duration(10 * time.Second),
		VerificationMode: "full",
		Path: PathConfig{
			Data: "/var/lib/agent",
			Run:  "/var/run/agent",
		},
	}
}

// DefaultEventsConfig returns the default events section.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		BatchInterval: Duration(10 * time.Second),
		BatchSize:     100_000,
	}
}

// DefaultQueueConfig returns the default per-type queue budgets.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxCountStateful:  100_000,
		MaxBytesStateful:  100 * 1024 * 1024,
		MaxCountStateless: 100_000,
		MaxBytesStateless: 100 * 1024 * 1024,
		MaxCountCommand:   10_000,
		MaxBytesCommand:   10 * 1024 * 1024,
		WaitTimeout:       Duration(1 * time.Minute),
		Backend:           "embedded",
	}
}

// DefaultDatabaseConfig returns the default database section: an embedded
// sqlite file under the agent's data directory.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "sqlite",
		Path:                "/var/lib/agent/agent.db",
		MaxIdleConns:        2,
		MaxOpenConns:        1,
		ConnMaxLifetime:     Duration(time.Hour),
		HealthCheckInterval: Duration(30 * time.Second),
	}
}

// DefaultControlConfig returns the default local control channel section.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		SocketName: "agent-socket",
	}
}

// DefaultLogConfig returns the default log section.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns the default telemetry section.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agent",
		SampleRate:   0.1,
	}
}

// =============================================================================
// Duration and size parsing
// =============================================================================
//
// parseDuration generalizes the plain time.Duration yaml fields: a bare
// number is seconds, and ms|s|m|h|d suffixes are honored directly by
// time.ParseDuration except for "d" (days), which it rejects.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	// Bare number: treat as seconds.
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(time.Second)), nil
}

// parseSize generalizes byte-count config values: a bare number is
// bytes, and B|K[B]|M[B]|G[B] suffixes (case-insensitive) scale it.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	upper := strings.ToUpper(s)
	multiplier := int64(1)
	numPart := upper

	switch {
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(upper, "GB")
	case strings.HasSuffix(upper, "G"):
		multiplier = 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		numPart = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "M"):
		multiplier = 1024 * 1024
		numPart = strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		numPart = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "K"):
		multiplier = 1024
		numPart = strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "B"):
		multiplier = 1
		numPart = strings.TrimSuffix(upper, "B")
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n * float64(multiplier)), nil
}

// ClampBatchInterval enforces spec's [1s, 1h] bound on events.batch_interval.
func ClampBatchInterval(d time.Duration) time.Duration {
	switch {
	case d < time.Second:
		return time.Second
	case d > time.Hour:
		return time.Hour
	default:
		return d
	}
}

// ClampBatchSize enforces spec's [1000, 1000000] byte bound on events.batch_size.
func ClampBatchSize(n int) int {
	switch {
	case n < 1000:
		return 1000
	case n > 1_000_000:
		return 1_000_000
	default:
		return n
	}
}
