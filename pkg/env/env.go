// Package env consolidates all environment variable reading for the module.
// Overrides are applied only at startup (see config.Load).
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variable names (single source of truth).
const (
	LogLevel                      = "LOG_LEVEL"
	TZVar                         = "TZ"
	TotalPooledConnections        = "TOTAL_POOLED_CONNECTIONS"
	QueueGuaranteedConnections    = "QUEUE_GUARANTEED_CONNECTIONS"
	HealthCheckGuaranteedConns    = "HEALTHCHECK_GUARANTEED_CONNECTIONS"
	ConnectionsPerStream          = "CONNECTIONS_PER_STREAM"
	BufferSegmentCount            = "BUFFER_SEGMENT_COUNT"
	StragglerThresholdMs          = "STRAGGLER_THRESHOLD_MS"
	MaxPerSegmentRetries          = "MAX_PER_SEGMENT_RETRIES"
	IncompleteSizeFraction        = "INCOMPLETE_SIZE_FRACTION"
	SeekLoopGuard                 = "SEEK_LOOP_GUARD"
	ProviderPrefix                = "PROVIDER_"
)

// TZ returns the TZ environment variable (used by the logger for timestamps).
func TZ() string {
	return os.Getenv(TZVar)
}

// InitialLogLevel returns LOG_LEVEL with a default, for logger init before config.Load.
func InitialLogLevel() string {
	return getEnv(LogLevel, "INFO")
}

// Provider mirrors config.Provider so this package does not depend on config.
type Provider struct {
	Name        string
	Host        string
	Port        int
	Username    string
	Password    string
	Connections int
	UseSSL      bool
	Priority    int
}

// Overrides holds config values that can be set via environment variables.
type Overrides struct {
	LogLevel                   string
	TotalPooledConnections     int
	QueueGuaranteedConnections int
	HealthCheckGuaranteedConns int
	ConnectionsPerStream       int
	BufferSegmentCount         int
	StragglerThresholdMs       int
	MaxPerSegmentRetries       int
	IncompleteSizeFraction     float64
	SeekLoopGuard              int
	Providers                  []Provider
}

// ReadOverrides reads all relevant environment variables once.
func ReadOverrides() Overrides {
	var o Overrides
	o.LogLevel = getEnv(LogLevel, "")
	o.TotalPooledConnections = getEnvInt(TotalPooledConnections, 0)
	o.QueueGuaranteedConnections = getEnvInt(QueueGuaranteedConnections, 0)
	o.HealthCheckGuaranteedConns = getEnvInt(HealthCheckGuaranteedConns, 0)
	o.ConnectionsPerStream = getEnvInt(ConnectionsPerStream, 0)
	o.BufferSegmentCount = getEnvInt(BufferSegmentCount, 0)
	o.StragglerThresholdMs = getEnvInt(StragglerThresholdMs, 0)
	o.MaxPerSegmentRetries = getEnvInt(MaxPerSegmentRetries, 0)
	o.IncompleteSizeFraction = getEnvFloat(IncompleteSizeFraction, 0)
	o.SeekLoopGuard = getEnvInt(SeekLoopGuard, 0)
	o.Providers = readProvidersFromEnv()
	return o
}

func readProvidersFromEnv() []Provider {
	var list []Provider
	for i := 1; i <= 20; i++ {
		prefix := fmt.Sprintf("%s%d_", ProviderPrefix, i)
		host := os.Getenv(prefix + "HOST")
		if host == "" {
			continue
		}
		list = append(list, Provider{
			Name:        getEnv(prefix+"NAME", fmt.Sprintf("provider-%d", i)),
			Host:        host,
			Port:        getEnvInt(prefix+"PORT", 563),
			Username:    os.Getenv(prefix + "USERNAME"),
			Password:    os.Getenv(prefix + "PASSWORD"),
			Connections: getEnvInt(prefix+"CONNECTIONS", 10),
			UseSSL:      getEnvBool(prefix+"SSL", true),
			Priority:    getEnvInt(prefix+"PRIORITY", i),
		})
	}
	return list
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true" || v == "1"
	}
	return defaultVal
}
