// Package config loads the streaming core's configuration: provider list
// plus the admission/streaming knobs named in spec.md section 6.
package config

import (
	"fmt"

	"streamcore/pkg/env"
	"streamcore/pkg/logger"
)

// Provider is one configured Usenet article source.
type Provider struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Connections int    `json:"connections"`
	UseSSL      bool   `json:"use_ssl"`
	Priority    int    `json:"priority"` // lower is tried first
}

// Config holds the settings the streaming core needs at startup.
// Priority: environment variables > defaults. Unlike the wider nzbdav-style
// application this core doesn't own a config.json; deployments that need
// persisted settings own that file themselves and feed this struct.
type Config struct {
	LogLevel string `json:"log_level"`

	Providers []Provider `json:"providers"`

	// TotalPooledConnections is the system-wide physical connection budget.
	TotalPooledConnections int `json:"total_pooled_connections"`
	// QueueGuaranteedConnections and HealthCheckGuaranteedConnections are
	// subtracted from TotalPooledConnections to derive the Streaming guarantee.
	QueueGuaranteedConnections       int `json:"queue_guaranteed_connections"`
	HealthCheckGuaranteedConnections int `json:"healthcheck_guaranteed_connections"`

	// ConnectionsPerStream is the worker count (W) per BufferedSegmentStream.
	ConnectionsPerStream int `json:"connections_per_stream"`
	// BufferSegmentCount sizes the standard queue and delivery channel.
	BufferSegmentCount int `json:"buffer_segment_count"`
	// StragglerThresholdMs is how long a fetch may run before it's raced/preempted.
	StragglerThresholdMs int `json:"straggler_threshold_ms"`
	// MaxPerSegmentRetries bounds retries per segment attempt.
	MaxPerSegmentRetries int `json:"max_per_segment_retries"`
	// IncompleteSizeFraction is the minimum fraction of declared PartSize accepted.
	IncompleteSizeFraction float64 `json:"incomplete_size_fraction"`
	// SeekLoopGuard bounds repeated same-offset seeks before failing fast.
	SeekLoopGuard int `json:"seek_loop_guard"`
}

// StreamingGuaranteed returns the Streaming kind's guaranteed permits:
// Total - Queue - HealthCheck, per spec.md section 4.2.
func (c *Config) StreamingGuaranteed() int {
	g := c.TotalPooledConnections - c.QueueGuaranteedConnections - c.HealthCheckGuaranteedConnections
	if g < 1 {
		g = 1
	}
	return g
}

// Default returns built-in defaults for fields not set via environment variables,
// mirroring the ranges spec.md section 6 documents ("typ. ...").
func Default() *Config {
	return &Config{
		LogLevel:                         "INFO",
		TotalPooledConnections:           60,
		QueueGuaranteedConnections:       10,
		HealthCheckGuaranteedConnections: 5,
		ConnectionsPerStream:             20,
		BufferSegmentCount:               100,
		StragglerThresholdMs:             3000,
		MaxPerSegmentRetries:             3,
		IncompleteSizeFraction:           0.9,
		SeekLoopGuard:                    100,
	}
}

// Load builds a Config from defaults overridden by environment variables
// (see pkg/env). Callers that want .env file support should call
// godotenv.Load() before Load, as cmd/streamcore does.
func Load() (*Config, error) {
	cfg := Default()
	applyOverrides(cfg, env.ReadOverrides())

	if len(cfg.Providers) == 0 {
		logger.Warn("no NNTP providers configured; set PROVIDER_1_HOST etc.")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, o env.Overrides) {
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.TotalPooledConnections > 0 {
		cfg.TotalPooledConnections = o.TotalPooledConnections
	}
	if o.QueueGuaranteedConnections > 0 {
		cfg.QueueGuaranteedConnections = o.QueueGuaranteedConnections
	}
	if o.HealthCheckGuaranteedConns > 0 {
		cfg.HealthCheckGuaranteedConnections = o.HealthCheckGuaranteedConns
	}
	if o.ConnectionsPerStream > 0 {
		cfg.ConnectionsPerStream = o.ConnectionsPerStream
	}
	if o.BufferSegmentCount > 0 {
		cfg.BufferSegmentCount = o.BufferSegmentCount
	}
	if o.StragglerThresholdMs > 0 {
		cfg.StragglerThresholdMs = o.StragglerThresholdMs
	}
	if o.MaxPerSegmentRetries > 0 {
		cfg.MaxPerSegmentRetries = o.MaxPerSegmentRetries
	}
	if o.IncompleteSizeFraction > 0 {
		cfg.IncompleteSizeFraction = o.IncompleteSizeFraction
	}
	if o.SeekLoopGuard > 0 {
		cfg.SeekLoopGuard = o.SeekLoopGuard
	}
	if len(o.Providers) > 0 {
		cfg.Providers = make([]Provider, len(o.Providers))
		for i, p := range o.Providers {
			cfg.Providers[i] = Provider{
				Name:        p.Name,
				Host:        p.Host,
				Port:        p.Port,
				Username:    p.Username,
				Password:    p.Password,
				Connections: p.Connections,
				UseSSL:      p.UseSSL,
				Priority:    p.Priority,
			}
		}
	}
}

// Validate checks the invariant spec.md section 4.2 requires: the three
// guarantees must not exceed the total budget, and Streaming must get at least 1.
func (c *Config) Validate() error {
	sum := c.QueueGuaranteedConnections + c.HealthCheckGuaranteedConnections
	if sum >= c.TotalPooledConnections {
		return fmt.Errorf("config: queue+healthcheck guarantees (%d) leave no room for streaming in total %d", sum, c.TotalPooledConnections)
	}
	return nil
}
