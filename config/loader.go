// =============================================================================
// SDK configuration loader
// =============================================================================
// YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("asymetry.yaml").
//	    WithDotEnv(".env").
//	    Load()
//
// Precedence: defaults -> .env -> YAML file -> environment
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "ASYMETRY"

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete SDK configuration.
type Config struct {
	// Enabled turns the SDK off entirely when false.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// ServiceName identifies the instrumented application.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// ServiceVersion is reported with exported spans.
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`

	Log       LogConfig       `yaml:"log" env:"LOG"`
	Queue     QueueConfig     `yaml:"queue" env:"QUEUE"`
	Exporter  ExporterConfig  `yaml:"exporter" env:"EXPORTER"`
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`
	Tokens    TokenConfig     `yaml:"tokens" env:"TOKENS"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// LogConfig configures the SDK logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// QueueConfig configures the span queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// OverflowPolicy: drop_newest, drop_oldest
	OverflowPolicy string `yaml:"overflow_policy" env:"OVERFLOW_POLICY"`
}

// ExporterConfig configures batching, retries and shutdown.
type ExporterConfig struct {
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval   time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout" env:"SUBMIT_TIMEOUT"`
	Backoff         BackoffConfig `yaml:"backoff" env:"BACKOFF"`
}

// BackoffConfig configures the delay between submission attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" env:"INITIAL"`
	Max        time.Duration `yaml:"max" env:"MAX"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter     bool          `yaml:"jitter" env:"JITTER"`
}

// Transport types.
const (
	TransportCollector = "collector"
	TransportOTLP      = "otlp"
	TransportRedis     = "redis"
	TransportSQL       = "sql"
	TransportLog       = "log"
	TransportNoop      = "noop"
	TransportMulti     = "multi"
)

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	// Type: collector, otlp, redis, sql, log, noop, multi
	Type string `yaml:"type" env:"TYPE"`
	// Targets lists the transports a multi transport fans out to.
	Targets []string `yaml:"targets" env:"TARGETS"`

	Collector CollectorConfig `yaml:"collector" env:"COLLECTOR"`
	OTLP      OTLPConfig      `yaml:"otlp" env:"OTLP"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	SQL       SQLConfig       `yaml:"sql" env:"SQL"`
}

// CollectorConfig configures the HTTP collector transport.
type CollectorConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	// Codec: json, cbor
	Codec string `yaml:"codec" env:"CODEC"`
	// Compression: none, zstd
	Compression string        `yaml:"compression" env:"COMPRESSION"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// CAFile trusts a self-hosted collector's certificate authority.
	CAFile             string `yaml:"ca_file" env:"CA_FILE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
	MaxIdleConns       int    `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
}

// OTLPConfig configures the OTLP/gRPC transport.
type OTLPConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Insecure bool   `yaml:"insecure" env:"INSECURE"`
	// Headers are "key=value" pairs.
	Headers []string      `yaml:"headers" env:"HEADERS"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig configures the Redis stream transport.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	Stream   string `yaml:"stream" env:"STREAM"`
	// MaxLen caps the stream length approximately; 0 means unbounded.
	MaxLen int64 `yaml:"max_len" env:"MAX_LEN"`
}

// SQLConfig configures the SQL transport.
type SQLConfig struct {
	// Driver: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN, when set, is used as is.
	DSN      string `yaml:"dsn" env:"DSN"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	// AutoMigrate creates the span table on start.
	AutoMigrate  bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	MaxOpenConns int  `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// TokenConfig configures token estimation.
type TokenConfig struct {
	// Estimator: estimator, tiktoken
	Estimator     string  `yaml:"estimator" env:"ESTIMATOR"`
	CharsPerToken float64 `yaml:"chars_per_token" env:"CHARS_PER_TOKEN"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Addr serves /metrics and /healthz when set, e.g. ":9464".
	Addr string `yaml:"addr" env:"ADDR"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration (builder style).
type Loader struct {
	configPath string
	dotEnvPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the ASYMETRY prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotEnv sets a .env file loaded into the environment before overrides
// apply. A missing file is not an error.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after Validate.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
// Precedence: defaults -> .env -> YAML file -> environment
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.dotEnvPath != "" {
		if err := godotenv.Load(l.dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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
		if errors.Is(err, fs.ErrNotExist) {
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
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields by their env tags.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
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
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

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
		// comma separated
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

// MustLoad loads path or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.Capacity > 0, "queue.capacity must be positive, got %d", c.Queue.Capacity)
	check(c.Queue.OverflowPolicy == "" || c.Queue.OverflowPolicy == "drop_newest" || c.Queue.OverflowPolicy == "drop_oldest",
		"queue.overflow_policy must be drop_newest or drop_oldest, got %q", c.Queue.OverflowPolicy)
	check(c.Exporter.BatchSize > 0, "exporter.batch_size must be positive, got %d", c.Exporter.BatchSize)
	check(c.Exporter.FlushInterval > 0, "exporter.flush_interval must be positive, got %v", c.Exporter.FlushInterval)
	check(c.Exporter.MaxRetries >= 0, "exporter.max_retries must not be negative, got %d", c.Exporter.MaxRetries)
	check(c.Exporter.ShutdownTimeout > 0, "exporter.shutdown_timeout must be positive, got %v", c.Exporter.ShutdownTimeout)
	check(c.Exporter.Backoff.Multiplier == 0 || c.Exporter.Backoff.Multiplier >= 1,
		"exporter.backoff.multiplier must be at least 1, got %v", c.Exporter.Backoff.Multiplier)
	check(c.Tokens.CharsPerToken >= 0, "tokens.chars_per_token must not be negative, got %v", c.Tokens.CharsPerToken)
	check(c.Tokens.Estimator == "" || c.Tokens.Estimator == "estimator" || c.Tokens.Estimator == "tiktoken",
		"tokens.estimator must be estimator or tiktoken, got %q", c.Tokens.Estimator)

	if err := c.Transport.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (t *TransportConfig) validate() error {
	switch t.Type {
	case TransportCollector:
		if t.Collector.Endpoint == "" {
			return errors.New("transport.collector.endpoint is required")
		}
		switch t.Collector.Codec {
		case "", "json", "cbor":
		default:
			return fmt.Errorf("transport.collector.codec must be json or cbor, got %q", t.Collector.Codec)
		}
	case TransportOTLP:
		if t.OTLP.Endpoint == "" {
			return errors.New("transport.otlp.endpoint is required")
		}
	case TransportRedis:
		if t.Redis.Addr == "" {
			return errors.New("transport.redis.addr is required")
		}
	case TransportSQL:
		switch t.SQL.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("transport.sql.driver must be sqlite, postgres or mysql, got %q", t.SQL.Driver)
		}
	case TransportMulti:
		if len(t.Targets) == 0 {
			return errors.New("transport.targets is required for a multi transport")
		}
		for _, target := range t.Targets {
			if target == TransportMulti {
				return errors.New("transport.targets cannot contain multi")
			}
			sub := *t
			sub.Type = target
			if err := sub.validate(); err != nil {
				return err
			}
		}
	case TransportLog, TransportNoop:
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// ConnString returns DSN when set, otherwise one built from the fields.
func (d *SQLConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	cp.Transport.Collector.APIKey = mask(c.Transport.Collector.APIKey)
	cp.Transport.Redis.Password = mask(c.Transport.Redis.Password)
	cp.Transport.SQL.Password = mask(c.Transport.SQL.Password)
	if c.Transport.SQL.DSN != "" {
		cp.Transport.SQL.DSN = mask(c.Transport.SQL.DSN)
	}
	cp.Transport.OTLP.Headers = nil
	for _, h := range c.Transport.OTLP.Headers {
		k, _, _ := strings.Cut(h, "=")
		cp.Transport.OTLP.Headers = append(cp.Transport.OTLP.Headers, k+"=***")
	}
	return &cp
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
