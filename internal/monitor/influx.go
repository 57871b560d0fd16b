package monitor

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// PerfBucket receives the per-tick scan session performance points.
const PerfBucket = "scan_performance"

// perfRetention bounds how long performance points are kept server-side.
const perfRetention = 30 * 24 * time.Hour

// InfluxManager writes performance points to InfluxDB. When the server is
// unreachable at connect time, points are spooled to a gzip line-protocol
// file instead so a session on flaky venue wifi still leaves a trace.
type InfluxManager struct {
	log        zerolog.Logger
	backupPath string
	buckets    []string

	mu      sync.Mutex
	client  influxdb2.Client
	writers map[string]influxdb2_api.WriteAPI
	spool   *gzip.Writer
	live    bool
}

// NewInfluxManager creates a manager for the performance bucket. Connect
// must be called before WritePoint.
func NewInfluxManager(log zerolog.Logger, backupPath string) *InfluxManager {
	return &InfluxManager{
		log:        log,
		backupPath: backupPath,
		buckets:    []string{PerfBucket},
		writers:    make(map[string]influxdb2_api.WriteAPI),
	}
}

// Connect dials InfluxDB using the influx.* config keys. A dead server is
// not an error: the manager falls back to the backup spool.
func (m *InfluxManager) Connect() error {
	if !viper.GetBool("influx.enabled") {
		return errors.New("influx.enabled is false")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	url := fmt.Sprintf("%s://%s:%s",
		viper.GetString("influx.protocol"),
		viper.GetString("influx.host"),
		viper.GetString("influx.port"))
	m.client = influxdb2.NewClientWithOptions(url, viper.GetString("influx.token"),
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))

	running, err := m.client.Ping(context.Background())
	if err != nil || !running {
		m.live = false
		m.log.Warn().Str("url", url).Str("backupPath", m.backupPath).
			Msg("InfluxDB unreachable, spooling points to backup file")
		return m.openSpoolLocked()
	}

	if err := m.ensureSchemaLocked(); err != nil {
		return err
	}
	for _, bucket := range m.buckets {
		m.startWriterLocked(bucket)
	}
	m.live = true
	m.log.Info().Str("url", url).Msg("InfluxDB client initialized")
	return nil
}

func (m *InfluxManager) openSpoolLocked() error {
	if m.spool != nil {
		return nil
	}
	file, err := os.OpenFile(m.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open influx backup file: %w", err)
	}
	m.spool = gzip.NewWriter(file)
	return nil
}

// ensureSchemaLocked creates the organization and buckets if missing.
func (m *InfluxManager) ensureSchemaLocked() error {
	ctx := context.Background()
	orgName := viper.GetString("influx.org")

	orgsAPI := m.client.OrganizationsAPI()
	org, err := orgsAPI.FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.log.Info().Str("org", orgName).Msg("Organization not found, creating")
		if org, err = orgsAPI.CreateOrganizationWithName(ctx, orgName); err != nil {
			return fmt.Errorf("create influx org %q: %w", orgName, err)
		}
	}

	rule := domain.RetentionRuleTypeExpire
	for _, bucket := range m.buckets {
		if _, err := m.client.BucketsAPI().FindBucketByName(ctx, bucket); err == nil {
			continue
		}
		m.log.Info().Str("bucket", bucket).Msg("Bucket not found, creating")
		_, err := m.client.BucketsAPI().CreateBucketWithName(ctx, org, bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: int64(perfRetention / time.Second),
		})
		if err != nil {
			return fmt.Errorf("create influx bucket %q: %w", bucket, err)
		}
	}
	return nil
}

// startWriterLocked opens an async write API for a bucket and drains its
// error channel into the log.
func (m *InfluxManager) startWriterLocked(bucket string) {
	w := m.client.WriteAPI(viper.GetString("influx.org"), bucket)
	m.writers[bucket] = w
	go func() {
		for writeErr := range w.Errors() {
			m.log.Error().Err(writeErr).Str("bucket", bucket).
				Msg("InfluxDB write failed")
		}
	}()
}

// WritePoint sends a point to the bucket's writer, or to the backup spool
// when the server was unreachable at connect time.
func (m *InfluxManager) WritePoint(ctx context.Context, bucket string, point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live {
		w, ok := m.writers[bucket]
		if !ok {
			return fmt.Errorf("influx bucket %q not registered", bucket)
		}
		w.WritePoint(point)
		return nil
	}

	if m.spool == nil {
		return errors.New("influx client not connected and no backup spool open")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.spool.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write influx backup: %w", err)
	}
	return nil
}

// Close flushes pending writes and the backup spool.
func (m *InfluxManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.writers {
		w.Flush()
	}
	if m.client != nil {
		m.client.Close()
	}
	if m.spool != nil {
		_ = m.spool.Close()
	}
}
