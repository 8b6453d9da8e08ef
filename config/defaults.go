// =============================================================================
// Default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the built-in defaults. The default transport logs
// spans so an unconfigured SDK never reaches the network.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		ServiceName: "unknown-service",
		Log:         DefaultLogConfig(),
		Queue:       DefaultQueueConfig(),
		Exporter:    DefaultExporterConfig(),
		Transport:   DefaultTransportConfig(),
		Tokens:      DefaultTokenConfig(),
		Metrics:     MetricsConfig{Namespace: "asymetry"},
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:       10000,
		OverflowPolicy: "drop_newest",
	}
}

// DefaultExporterConfig returns the default exporter configuration.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		BatchSize:       100,
		FlushInterval:   5 * time.Second,
		MaxRetries:      3,
		ShutdownTimeout: 10 * time.Second,
		SubmitTimeout:   10 * time.Second,
		Backoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
		},
	}
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type: TransportLog,
		Collector: CollectorConfig{
			Endpoint:    "https://collector.asymetry.ai",
			Codec:       "json",
			Compression: "none",
			Timeout:     10 * time.Second,
		},
		OTLP: OTLPConfig{
			Endpoint: "localhost:4317",
			Insecure: true,
			Timeout:  10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Stream:   "asymetry:spans",
			MaxLen:   100000,
		},
		SQL: SQLConfig{
			Driver:       "sqlite",
			Name:         "asymetry.db",
			Host:         "localhost",
			Port:         5432,
			SSLMode:      "disable",
			AutoMigrate:  true,
			MaxOpenConns: 10,
		},
	}
}

// DefaultTokenConfig returns the default token estimation configuration.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Estimator:     "estimator",
		CharsPerToken: 4.0,
	}
}
