// Command arscan-sim wires the full scan session stack against a live
// backend and drives it through a scripted visitor walk. It stands in for
// the mobile host so the session can be exercised end to end from a shell.
//
// Usage: arscan-sim [configDir]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eventlens/arscan/internal/bridge"
	"github.com/eventlens/arscan/internal/config"
	"github.com/eventlens/arscan/internal/feed"
	"github.com/eventlens/arscan/internal/geo"
	"github.com/eventlens/arscan/internal/logging"
	"github.com/eventlens/arscan/internal/monitor"
	"github.com/eventlens/arscan/internal/otel"
	"github.com/eventlens/arscan/internal/resolve"
	"github.com/eventlens/arscan/internal/session"
	"github.com/eventlens/arscan/internal/store/rest"
	"github.com/eventlens/arscan/internal/store/snapshot"
	"github.com/eventlens/arscan/pkg/core"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var sessionStart = time.Now()

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}

	// Defaults cover every key, so a missing config file is not fatal.
	if err := config.Load(configDir); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v (continuing with defaults)\n", err)
	}

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logs dir: %v\n", err)
		os.Exit(1)
	}
	logFile, err := os.Create(logging.LogFilePath(logsDir, sessionStart))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	otelCfg := config.GetOTelConfig()
	var otelLogFile *os.File
	if otelCfg.Enabled {
		otelLogFile, err = os.Create(filepath.Join(logsDir,
			fmt.Sprintf("arscan.%s.otel.json", sessionStart.Format("20060102_150405"))))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create otel log file: %v\n", err)
			os.Exit(1)
		}
		defer otelLogFile.Close()
	}
	provider, err := otel.New(otel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    otelLogFile,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init otel: %v\n", err)
		os.Exit(1)
	}

	logManager := logging.NewManager()
	logManager.Setup(logFile, viper.GetString("logLevel"), provider.LoggerProvider())
	log := logManager.Logger()
	slog.SetDefault(log)

	exitCode := 0
	if err := run(log); err != nil {
		log.Error("Simulation failed", "error", err)
		exitCode = 1
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := logManager.Flush(flushCtx); err != nil {
		log.Warn("Log flush failed", "error", err)
	}
	if err := provider.Shutdown(flushCtx); err != nil {
		log.Warn("OTel shutdown failed", "error", err)
	}
	os.Exit(exitCode)
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var influx *monitor.InfluxManager
	if viper.GetBool("influx.enabled") {
		zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		influx = monitor.NewInfluxManager(zl,
			filepath.Join(viper.GetString("logsDir"), "influx_backup.log.gz"))
		if err := influx.Connect(); err != nil {
			log.Warn("InfluxDB unavailable, performance points go to the gzip backup", "error", err)
		}
		defer influx.Close()
	}

	snaps, err := snapshot.Open(viper.GetString("snapshot.path"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer snaps.Close()

	serverURL := viper.GetString("api.serverUrl")
	directory := rest.New(serverURL, viper.GetString("api.apiKey"), viper.GetDuration("resolve.timeout"))
	if err := directory.Healthcheck(); err != nil {
		log.Warn("Stall directory unreachable, serving cached snapshots only",
			"url", serverURL, "error", err)
	} else {
		log.Info("Stall directory reachable", "url", serverURL)
	}

	var bounds *geo.VenueBounds
	if wkt := viper.GetString("venue.boundsWkt"); wkt != "" {
		bounds, err = geo.BoundsFromWKT(wkt)
		if err != nil {
			return fmt.Errorf("parse venue bounds: %w", err)
		}
	}

	// Stamp the session state onto every record logged below; the renderer
	// mirrors state changes as they are announced.
	renderer := newConsoleRenderer(log)
	log = slog.New(logging.NewStateHandler(log.Handler(), renderer.stateAttrs))

	// The resolver reports into the monitor, and the monitor watches the
	// resolver's cache. The deferred reporter breaks the construction cycle.
	reporter := &deferredReporter{}

	cacheCfg := config.GetCacheConfig()
	cache, err := resolve.New(resolve.Config{
		Capacity:     cacheCfg.Capacity,
		NegativeTTL:  cacheCfg.NegativeTTL,
		Timeout:      viper.GetDuration("resolve.timeout"),
		RefreshAfter: viper.GetDuration("cache.refreshAfter"),
	}, resolve.Dependencies{
		Directory: directory,
		Bounds:    bounds,
		Reporter:  reporter,
		Logger:    log,
	}, snaps)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	feeds, err := feed.New(feed.Config{
		URL:    viper.GetString("feed.url"),
		Secret: viper.GetString("feed.secret"),
	}, feed.Dependencies{
		Applier:  cache,
		Notifier: renderer,
		Reporter: reporter,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("build feed manager: %w", err)
	}
	var sessionFeeds session.Feeds
	if err := feeds.Connect(); err != nil {
		log.Warn("Live update feed unavailable, running without subscriptions", "error", err)
	} else {
		sessionFeeds = feeds
		defer feeds.Close()
	}

	var sess *session.Session
	monCfg := config.GetMonitorConfig()
	monSvc, err := monitor.New(monitor.Config{
		Interval:          monCfg.Interval,
		FailureThreshold:  monCfg.FailureThreshold,
		SnapshotRetention: monCfg.SnapshotRetention,
	}, monitor.Dependencies{
		Cache:     cache,
		Snapshots: snaps,
		OpenFeeds: feeds.OpenFeeds,
		ActiveMarkers: func() int {
			if sess == nil {
				return 0
			}
			return len(sess.ActiveMarkers())
		},
		Influx: influx,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}
	reporter.set(monSvc)
	monSvc.Start()
	defer monSvc.Stop()

	scope := viper.GetString("event.scope")
	if scope == "" {
		scope = "demo-event"
	}
	scanCfg := config.GetScanConfig()
	tracker := newScriptedTracker(scanCfg.SightingBuffer)

	sess, err = session.New(session.Config{
		EventScope:          core.EventScope(scope),
		QuietPeriod:         scanCfg.QuietPeriod,
		DegradedQuietFactor: scanCfg.DegradedQuietFactor,
		ResolveTimeout:      viper.GetDuration("resolve.timeout"),
	}, session.Dependencies{
		Tracker:     tracker,
		Permissions: grantedPermissions{},
		Resolver:    cache,
		Notifier:    renderer,
		Feeds:       sessionFeeds,
		Intents:     monSvc.Intents(),
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	defer sess.Dispose()

	dispatcher, err := bridge.New(log)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	bridge.RegisterSessionRoutes(dispatcher, sess)

	log.Info("Simulation starting",
		"eventScope", scope,
		"quietPeriod", scanCfg.QuietPeriod,
		"feedConnected", sessionFeeds != nil)

	return runScenario(ctx, log, dispatcher, tracker, scanCfg.QuietPeriod)
}
