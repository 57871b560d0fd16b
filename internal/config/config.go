package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ScanConfig holds detection debouncer settings.
type ScanConfig struct {
	QuietPeriod         time.Duration
	DegradedQuietFactor int
	SightingBuffer      int
}

// CacheConfig holds resolver cache settings.
type CacheConfig struct {
	Capacity    int
	NegativeTTL time.Duration
}

// MonitorConfig holds resource pressure monitor settings.
type MonitorConfig struct {
	Interval          time.Duration
	FailureThreshold  int
	SnapshotRetention time.Duration
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// Load reads configuration from a JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./arscanlogs")

	viper.SetDefault("scan.quietPeriod", "3s")
	viper.SetDefault("scan.degradedQuietFactor", 2)
	viper.SetDefault("scan.sightingBuffer", 4096)

	viper.SetDefault("cache.capacity", 64)
	viper.SetDefault("cache.negativeTTL", "30s")
	viper.SetDefault("cache.refreshAfter", "5m")

	viper.SetDefault("resolve.timeout", "4s")

	viper.SetDefault("monitor.interval", "2m")
	viper.SetDefault("monitor.failureThreshold", 5)
	viper.SetDefault("monitor.snapshotRetention", "168h")

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.apiKey", "")

	viper.SetDefault("feed.url", "ws://localhost:5000/feed")
	viper.SetDefault("feed.secret", "")

	viper.SetDefault("snapshot.path", "./arscan_snapshots.db")

	viper.SetDefault("event.scope", "")
	viper.SetDefault("venue.boundsWkt", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "arscan-metrics")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "arscan-session")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetConfigName("arscan.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetScanConfig returns the detection debouncer configuration.
func GetScanConfig() ScanConfig {
	return ScanConfig{
		QuietPeriod:         viper.GetDuration("scan.quietPeriod"),
		DegradedQuietFactor: viper.GetInt("scan.degradedQuietFactor"),
		SightingBuffer:      viper.GetInt("scan.sightingBuffer"),
	}
}

// GetCacheConfig returns the resolver cache configuration.
func GetCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:    viper.GetInt("cache.capacity"),
		NegativeTTL: viper.GetDuration("cache.negativeTTL"),
	}
}

// GetMonitorConfig returns the pressure monitor configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:          viper.GetDuration("monitor.interval"),
		FailureThreshold:  viper.GetInt("monitor.failureThreshold"),
		SnapshotRetention: viper.GetDuration("monitor.snapshotRetention"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
