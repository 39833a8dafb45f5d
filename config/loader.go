// =============================================================================
// Agent configuration loader
// =============================================================================
// Unified config loading: YAML file + environment variable overrides.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agent.yaml").
//	    WithEnvPrefix("AGENT").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structures
// =============================================================================

// Config is the agent's complete configuration.
type Config struct {
	Agent     AgentConfig               `yaml:"agent" env:"AGENT"`
	Events    EventsConfig              `yaml:"events" env:"EVENTS"`
	Queue     QueueConfig               `yaml:"queue" env:"QUEUE"`
	Database  DatabaseConfig            `yaml:"database" env:"DATABASE"`
	Control   ControlConfig             `yaml:"control" env:"CONTROL"`
	Log       LogConfig                 `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig           `yaml:"telemetry" env:"TELEMETRY"`
	Modules   map[string]map[string]any `yaml:"modules" env:"-"`
}

// AgentConfig holds the agent's own identity and connection settings.
type AgentConfig struct {
	// ServerURL is the manager base URL, e.g. https://manager.example.com:55000.
	ServerURL string `yaml:"server_url" env:"SERVER_URL"`
	// RetryInterval is how long a coroutine backs off after a transient
	// transport failure before retrying.
	RetryInterval Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	// VerificationMode is one of none|certificate|full; unknown values
	// coerce to full (see internal/tlsutil.ParseMode).
	VerificationMode string     `yaml:"verification_mode" env:"VERIFICATION_MODE"`
	Path             PathConfig `yaml:"path" env:"PATH"`
	// Name/Key/Group seed agent/identity on first run; once persisted,
	// the database is authoritative and these are ignored.
	Name  string   `yaml:"name" env:"NAME"`
	Key   string   `yaml:"key" env:"KEY"`
	Group []string `yaml:"group" env:"GROUP"`
}

// PathConfig locates the agent's on-disk state.
type PathConfig struct {
	// Data is the directory holding the embedded database file.
	Data string `yaml:"data" env:"DATA"`
	// Run is the directory holding the instance lock file and the local
	// control channel's socket.
	Run string `yaml:"run" env:"RUN"`
}

// EventsConfig configures the communicator's stateful/stateless batching.
type EventsConfig struct {
	// BatchInterval is clamped to [1s, 1h] at use (see agent/communicator).
	BatchInterval Duration `yaml:"batch_interval" env:"BATCH_INTERVAL"`
	// BatchSize is a byte budget, clamped to [1000, 1000000] at use.
	BatchSize ByteSize `yaml:"batch_size" env:"BATCH_SIZE"`
}

// QueueConfig bounds each typed sub-queue of agent/queue.
type QueueConfig struct {
	MaxCountStateful  int      `yaml:"max_count_stateful" env:"MAX_COUNT_STATEFUL"`
	MaxBytesStateful  ByteSize `yaml:"max_bytes_stateful" env:"MAX_BYTES_STATEFUL"`
	MaxCountStateless int      `yaml:"max_count_stateless" env:"MAX_COUNT_STATELESS"`
	MaxBytesStateless ByteSize `yaml:"max_bytes_stateless" env:"MAX_BYTES_STATELESS"`
	MaxCountCommand   int      `yaml:"max_count_command" env:"MAX_COUNT_COMMAND"`
	MaxBytesCommand   ByteSize `yaml:"max_bytes_command" env:"MAX_BYTES_COMMAND"`
	// WaitTimeout bounds push(should_wait=true)'s blocking retry loop.
	WaitTimeout Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
	// Backend selects "embedded" (internal/store, default) or "redis"
	// for a distributed deployment.
	Backend  string           `yaml:"backend" env:"BACKEND"`
	RedisCfg RedisQueueConfig `yaml:"redis" env:"REDIS"`
}

// RedisQueueConfig configures the optional redis-backed queue.
type RedisQueueConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// DatabaseConfig configures internal/store's embedded persistence. It
// mirrors store.Config's shape rather than the host/port/user/password
// split a network-facing database client config would use, since the
// store takes a single DSN for postgres/mysql and a file path for sqlite.
type DatabaseConfig struct {
	// Driver is sqlite (default), postgres, or mysql.
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the sqlite file path (Driver == sqlite).
	Path string `yaml:"path" env:"PATH"`
	// DSN is the connection string for postgres/mysql.
	DSN                 string   `yaml:"dsn" env:"DSN"`
	MaxIdleConns        int      `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns        int      `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime     Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	HealthCheckInterval Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// ControlConfig configures the local control channel.
type ControlConfig struct {
	// SocketName is the file name created under agent.path.run.
	SocketName string `yaml:"socket_name" env:"SOCKET_NAME"`
	// DebugListen, if set, additionally serves a websocket debug console
	// at this address (see agent/control).
	DebugListen string `yaml:"debug_listen" env:"DEBUG_LISTEN"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures internal/telemetry's OTel exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads a Config using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the Config: defaults, then the YAML file (if any), then
// environment variable overrides, then validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively applies environment variable overrides to
// struct fields tagged with `env`.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch field.Type() {
		case reflect.TypeOf(time.Duration(0)), reflect.TypeOf(Duration(0)):
			d, err := parseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		case reflect.TypeOf(ByteSize(0)):
			n, err := parseSize(value)
			if err != nil {
				return err
			}
			field.SetInt(n)
		default:
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads a config from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks invariants that don't belong to any single section.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.ServerURL == "" {
		errs = append(errs, "agent.server_url is required")
	}
	if c.Events.BatchSize <= 0 {
		errs = append(errs, "events.batch_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
