package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
		"logLevel": "debug",
		"scan": { "quietPeriod": "5s" },
		"api": { "serverUrl": "https://venues.example.com" }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(cfg), 0644))

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("scan.quietPeriod"))
	assert.Equal(t, "https://venues.example.com", viper.GetString("api.serverUrl"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(`{}`), 0644))

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./arscanlogs", viper.GetString("logsDir"))
	assert.Equal(t, "3s", viper.GetString("scan.quietPeriod"))
	assert.Equal(t, 2, viper.GetInt("scan.degradedQuietFactor"))
	assert.Equal(t, 64, viper.GetInt("cache.capacity"))
	assert.Equal(t, "30s", viper.GetString("cache.negativeTTL"))
	assert.Equal(t, "4s", viper.GetString("resolve.timeout"))
	assert.Equal(t, "2m", viper.GetString("monitor.interval"))
	assert.Equal(t, 5, viper.GetInt("monitor.failureThreshold"))
	assert.Equal(t, "http://localhost:5000", viper.GetString("api.serverUrl"))
	assert.Equal(t, "ws://localhost:5000/feed", viper.GetString("feed.url"))
	assert.Equal(t, "./arscan_snapshots.db", viper.GetString("snapshot.path"))
	assert.Equal(t, false, viper.GetBool("influx.enabled"))
	assert.Equal(t, false, viper.GetBool("otel.enabled"))
	assert.Equal(t, "arscan-session", viper.GetString("otel.serviceName"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetScanConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(`{}`), 0644))
	require.NoError(t, Load(dir))

	sc := GetScanConfig()
	assert.Equal(t, 3*time.Second, sc.QuietPeriod)
	assert.Equal(t, 2, sc.DegradedQuietFactor)
	assert.Equal(t, 4096, sc.SightingBuffer)
}

func TestGetCacheConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
		"cache": { "capacity": 16, "negativeTTL": "10s" }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(cfg), 0644))
	require.NoError(t, Load(dir))

	cc := GetCacheConfig()
	assert.Equal(t, 16, cc.Capacity)
	assert.Equal(t, 10*time.Second, cc.NegativeTTL)
}

func TestGetMonitorConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
		"monitor": { "interval": "30s", "failureThreshold": 3 }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(cfg), 0644))
	require.NoError(t, Load(dir))

	mc := GetMonitorConfig()
	assert.Equal(t, 30*time.Second, mc.Interval)
	assert.Equal(t, 3, mc.FailureThreshold)
	assert.Equal(t, 168*time.Hour, mc.SnapshotRetention)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4318",
			"insecure": false
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arscan.cfg.json"), []byte(cfg), 0644))
	require.NoError(t, Load(dir))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4318", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetDuration(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testDur", "90s")
	assert.Equal(t, 90*time.Second, GetDuration("testDur"))
}

func TestGetString(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	assert.Equal(t, "testValue", GetString("testKey"))
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.Equal(t, true, GetBool("testBool"))
}
