// Package monitor watches resource pressure on the scan session. It keeps a
// consecutive-failure count fed by the resolver and the live feed, asks the
// session to degrade when the count crosses the threshold, and runs the
// periodic housekeeping tick: resolver LRU eviction, snapshot write-behind,
// and a performance point to InfluxDB.
//
// The monitor never touches the tracker resource itself; it only emits
// intents that the session honors in its own state machine.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/eventlens/arscan/internal/channel"
	"github.com/eventlens/arscan/internal/queue"
	"github.com/eventlens/arscan/pkg/core"
)

// Intent asks the session to change its health state.
type Intent int

const (
	// IntentDegrade: consecutive failures crossed the threshold.
	IntentDegrade Intent = iota
	// IntentRecover: a housekeeping tick completed below the threshold
	// while degraded.
	IntentRecover
)

func (i Intent) String() string {
	switch i {
	case IntentDegrade:
		return "degrade"
	case IntentRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// Cache is the resolver surface the housekeeping tick works against.
type Cache interface {
	Len() int
	EvictOver() int
	PersistQueue() *queue.Queue[core.Stall]
}

// Snapshots is the offline store the write-behind queue drains into.
type Snapshots interface {
	Save(stalls ...core.Stall) error
	Prune(cutoff time.Time) error
}

// Config holds monitor settings.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	SnapshotRetention time.Duration
	IntentBuffer      int
}

// Dependencies are the monitor's collaborators. Cache is required; the rest
// are optional and skipped when nil.
type Dependencies struct {
	Cache         Cache
	Snapshots     Snapshots
	OpenFeeds     func() int
	ActiveMarkers func() int
	Influx        *InfluxManager
	Logger        *slog.Logger
}

// Service is the resource pressure monitor.
type Service struct {
	cfg  Config
	deps Dependencies

	mu          sync.Mutex
	consecutive int
	degraded    bool

	intents  channel.Channel[Intent]
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	failures metric.Int64Counter
	ticks    metric.Int64Counter
}

// New creates a monitor service. Call Start to begin the housekeeping tick;
// Mark works immediately.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = 7 * 24 * time.Hour
	}
	if cfg.IntentBuffer <= 0 {
		cfg.IntentBuffer = 8
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		intents:  channel.New[Intent](cfg.IntentBuffer),
		stopChan: make(chan struct{}),
	}

	m := meter()
	var err error
	if s.failures, err = m.Int64Counter("monitor.failures.marked",
		metric.WithDescription("Failed remote interactions reported to the monitor")); err != nil {
		return nil, err
	}
	if s.ticks, err = m.Int64Counter("monitor.ticks",
		metric.WithDescription("Housekeeping ticks completed")); err != nil {
		return nil, err
	}

	return s, nil
}

// Intents returns the receive side of the degrade/recover intent stream.
func (s *Service) Intents() channel.Receiver[Intent] {
	return s.intents
}

// Start launches the housekeeping goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
}

// Stop halts the housekeeping goroutine. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Mark records the outcome of a remote interaction. A success clears the
// consecutive-failure count; crossing the threshold emits a single degrade
// intent. Implements the Reporter interfaces of the resolver and the feed.
func (s *Service) Mark(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.consecutive = 0
		return
	}

	s.consecutive++
	s.failures.Add(context.Background(), 1)

	if s.consecutive >= s.cfg.FailureThreshold && !s.degraded {
		s.degraded = true
		s.emitLocked(IntentDegrade)
	}
}

// ConsecutiveFailures returns the current failure streak.
func (s *Service) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

// Degraded reports whether the monitor is holding a degrade intent.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// tick runs one housekeeping pass. Driven by Start's ticker; tests call it
// directly.
func (s *Service) tick(now time.Time) {
	s.ticks.Add(context.Background(), 1)

	evicted := s.deps.Cache.EvictOver()

	persisted := s.drainSnapshots(now)

	s.mu.Lock()
	consecutive := s.consecutive
	if s.degraded && consecutive < s.cfg.FailureThreshold {
		s.degraded = false
		s.emitLocked(IntentRecover)
	}
	s.mu.Unlock()

	s.writePerfPoint(now, evicted, persisted, consecutive)
}

// drainSnapshots moves resolved records from the write-behind queue into the
// offline store and prunes entries past retention.
func (s *Service) drainSnapshots(now time.Time) int {
	if s.deps.Snapshots == nil {
		return 0
	}

	stalls := s.deps.Cache.PersistQueue().Drain()
	if len(stalls) > 0 {
		if err := s.deps.Snapshots.Save(stalls...); err != nil {
			s.deps.Logger.Error("Failed to persist stall snapshots", "count", len(stalls), "error", err)
		}
	}

	if err := s.deps.Snapshots.Prune(now.Add(-s.cfg.SnapshotRetention)); err != nil {
		s.deps.Logger.Warn("Failed to prune stall snapshots", "error", err)
	}

	return len(stalls)
}

func (s *Service) writePerfPoint(now time.Time, evicted, persisted, consecutive int) {
	if s.deps.Influx == nil {
		return
	}

	fields := map[string]interface{}{
		"cache_size":           s.deps.Cache.Len(),
		"cache_evicted":        evicted,
		"snapshots_persisted":  persisted,
		"consecutive_failures": consecutive,
	}
	if s.deps.OpenFeeds != nil {
		fields["open_feeds"] = s.deps.OpenFeeds()
	}
	if s.deps.ActiveMarkers != nil {
		fields["active_markers"] = s.deps.ActiveMarkers()
	}

	point := influxdb2.NewPoint("scan_session", nil, fields, now)
	if err := s.deps.Influx.WritePoint(context.Background(), PerfBucket, point); err != nil {
		s.deps.Logger.Warn("Failed to write performance point", "error", err)
	}
}

// emitLocked delivers an intent without blocking. Callers hold s.mu.
func (s *Service) emitLocked(intent Intent) {
	if s.intents.TrySend(intent) {
		s.deps.Logger.Info("Pressure intent emitted", "intent", intent.String())
		return
	}
	s.deps.Logger.Warn("Intent buffer full, dropping intent", "intent", intent.String())
}
