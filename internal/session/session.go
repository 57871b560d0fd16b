// Package session owns the scan session lifecycle. Exactly one Session
// exists per scan screen; it holds the tracker resource, drives the
// debouncer and resolver for every announced marker, and keeps the state
// machine total: every (state, input) pair either transitions or is an
// explicit no-op.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eventlens/arscan/internal/channel"
	"github.com/eventlens/arscan/internal/detect"
	"github.com/eventlens/arscan/internal/monitor"
	"github.com/eventlens/arscan/pkg/core"
)

// ErrDisposed is returned by Start after Dispose.
var ErrDisposed = errors.New("scan session disposed")

// Tracker acquires the platform's exclusive camera/tracking resource.
type Tracker interface {
	Acquire() (TrackerHandle, error)
}

// TrackerHandle is one acquired tracking span. Release must be called
// exactly once; the session guarantees the pairing.
type TrackerHandle interface {
	Sightings() <-chan core.Sighting
	Release()
}

// PermissionChecker surfaces camera permission and platform capability.
type PermissionChecker interface {
	CameraPermission() core.PermissionStatus
	PlatformSupport() core.SupportStatus
}

// Resolver resolves a debounced marker to an outcome. Implemented by the
// resolver cache.
type Resolver interface {
	Resolve(ctx context.Context, marker core.MarkerID, scope core.EventScope) core.ResolutionOutcome
}

// Feeds is the live-update surface. Implemented by the feed manager.
type Feeds interface {
	Open(stall core.Stall)
	Release(stall core.Stall)
	CloseAll()
	SetEnabled(enabled bool)
}

// Notifier is the rendering layer. Calls arrive from session goroutines and
// must not call back into the Session.
type Notifier interface {
	StateChanged(state core.SessionState, health core.Health)
	MarkerResolved(marker core.MarkerID, outcome core.ResolutionOutcome)
	MarkerLeft(marker core.MarkerID)
	Ambiguity(markers []core.MarkerID)
	Advice(advice core.Advice)
}

// Config holds session settings.
type Config struct {
	EventScope          core.EventScope
	QuietPeriod         time.Duration
	DegradedQuietFactor int
	ResolveTimeout      time.Duration
	EventBuffer         int
}

// Dependencies are the session's collaborators. Tracker, Permissions,
// Resolver and Notifier are required; Feeds and Intents are optional.
type Dependencies struct {
	Tracker     Tracker
	Permissions PermissionChecker
	Resolver    Resolver
	Notifier    Notifier
	Feeds       Feeds
	Intents     channel.Receiver[monitor.Intent]
	Logger      *slog.Logger
}

// resolution is one in-flight marker resolution; pointer identity tells a
// finished goroutine whether it is still the current attempt.
type resolution struct {
	cancel context.CancelFunc
}

// Session is the scan session state machine. A single mutex serializes all
// transition entry points.
type Session struct {
	cfg  Config
	deps Dependencies

	mu     sync.Mutex
	state  core.SessionState
	health core.Health

	handle   TrackerHandle
	debounce *detect.Debouncer

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	spanCancel context.CancelFunc
	pumpWG     sync.WaitGroup

	resolutions map[core.MarkerID]*resolution
	feedsOpen   map[core.MarkerID]core.Stall

	// pendingDegrade records a degrade intent that arrived while Paused;
	// the next resume lands in Degraded instead of Active.
	pendingDegrade bool

	loopsOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a session in the Uninitialized state.
func New(cfg Config, deps Dependencies) (*Session, error) {
	if deps.Tracker == nil || deps.Permissions == nil || deps.Resolver == nil || deps.Notifier == nil {
		return nil, errors.New("session: missing required dependency")
	}
	if cfg.DegradedQuietFactor <= 1 {
		cfg.DegradedQuietFactor = 2
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 4 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	debounce, err := detect.New(detect.Config{
		QuietPeriod: cfg.QuietPeriod,
		EventBuffer: cfg.EventBuffer,
	}, deps.Logger)
	if err != nil {
		return nil, err
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Session{
		cfg:         cfg,
		deps:        deps,
		state:       core.StateUninitialized,
		health:      core.HealthNormal,
		debounce:    debounce,
		lifeCtx:     lifeCtx,
		lifeCancel:  lifeCancel,
		resolutions: make(map[core.MarkerID]*resolution),
		feedsOpen:   make(map[core.MarkerID]core.Stall),
	}, nil
}

// Start checks platform support and camera permission, then acquires the
// tracker. Permission and acquisition failures are recoverable: the session
// lands in AwaitingPermission and a later Start (or a foreground signal)
// retries from scratch. Unsupported hardware is terminal for the session.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case core.StateDisposed:
		return ErrDisposed
	case core.StateActive, core.StateDegraded:
		return nil
	case core.StateUnsupported:
		return core.ErrUnsupported
	}

	switch s.deps.Permissions.PlatformSupport() {
	case core.PlatformUnsupported:
		s.setStateLocked(core.StateUnsupported)
		s.deps.Notifier.Advice(core.AdviceForError(core.ErrUnsupported))
		return core.ErrUnsupported
	case core.PlatformNeedsUpdate:
		s.setStateLocked(core.StateUnsupported)
		s.deps.Notifier.Advice(core.AdviceForError(core.ErrNeedsUpdate))
		return core.ErrNeedsUpdate
	}

	switch s.deps.Permissions.CameraPermission() {
	case core.PermissionDenied:
		s.setStateLocked(core.StateAwaitingPermission)
		s.deps.Notifier.Advice(core.AdviceForError(core.ErrPermissionDenied))
		return core.ErrPermissionDenied
	case core.PermissionPermanentlyDenied:
		s.setStateLocked(core.StateAwaitingPermission)
		s.deps.Notifier.Advice(core.AdviceForError(core.ErrPermissionPermanent))
		return core.ErrPermissionPermanent
	}

	return s.activateLocked()
}

// OnLifecycleSignal applies a host lifecycle signal. Unknown combinations
// are no-ops, never errors: the host may deliver signals in any order.
func (s *Session) OnLifecycleSignal(signal core.LifecycleSignal) {
	switch signal {
	case core.SignalForeground:
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		switch state {
		case core.StateUninitialized, core.StatePaused, core.StateAwaitingPermission:
			// The first foreground doubles as init for hosts that only
			// forward lifecycle signals; on resume, permission may have
			// been granted while backgrounded, so re-run the full checks.
			if err := s.Start(); err != nil {
				s.logger().Warn("Resume failed", "state", state.String(), "error", err)
			}
		default:
			s.logger().Debug("Foreground signal ignored", "state", state.String())
		}

	case core.SignalBackground, core.SignalInactive:
		s.mu.Lock()
		defer s.mu.Unlock()
		switch s.state {
		case core.StateActive, core.StateDegraded:
			s.deactivateLocked()
			s.setStateLocked(core.StatePaused)
		default:
			s.logger().Debug("Background signal ignored", "state", s.state.String())
		}

	case core.SignalTerminate:
		s.Dispose()

	default:
		s.logger().Debug("Unknown lifecycle signal", "signal", int(signal))
	}
}

// Observe feeds a sighting into the debouncer. Sightings arriving outside
// Active/Degraded are dropped; the tracker keeps producing frames for a few
// beats after a pause on some platforms.
func (s *Session) Observe(sighting core.Sighting) {
	s.mu.Lock()
	ok := s.state == core.StateActive || s.state == core.StateDegraded
	s.mu.Unlock()
	if ok {
		s.debounce.Observe(sighting)
	}
}

// Dispose tears the session down from any state: feeds, timers and pending
// resolutions go in one step. Idempotent and re-entrant safe.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == core.StateDisposed {
		s.mu.Unlock()
		return
	}
	s.deactivateLocked()
	s.lifeCancel()
	s.debounce.Stop()
	s.setStateLocked(core.StateDisposed)
	s.mu.Unlock()

	s.wg.Wait()
}

// Status returns the current state and health for UI banners.
func (s *Session) Status() (core.SessionState, core.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.health
}

// ActiveMarkers exposes the debounced active set.
func (s *Session) ActiveMarkers() []core.MarkerID {
	return s.debounce.ActiveMarkers()
}

func (s *Session) logger() *slog.Logger {
	return s.deps.Logger
}

// setStateLocked transitions and notifies. Callers hold s.mu.
func (s *Session) setStateLocked(next core.SessionState) {
	if s.state == next {
		return
	}
	s.logger().Info("Session state change", "from", s.state.String(), "to", next.String())
	s.state = next
	if next != core.StateDegraded {
		s.health = core.HealthNormal
	}
	s.deps.Notifier.StateChanged(s.state, s.health)
}

// activateLocked acquires the tracker and starts the per-span goroutines.
func (s *Session) activateLocked() error {
	handle, err := s.deps.Tracker.Acquire()
	if err != nil {
		// Treated as a revoked permission: recoverable, never fatal.
		s.logger().Warn("Tracker acquisition failed", "error", err)
		s.setStateLocked(core.StateAwaitingPermission)
		s.deps.Notifier.Advice(core.AdviceForError(err))
		return err
	}
	s.handle = handle

	s.startLoopsLocked()

	spanCtx, cancel := context.WithCancel(s.lifeCtx)
	s.spanCancel = cancel
	s.pumpWG.Add(1)
	go func() {
		defer s.pumpWG.Done()
		s.debounce.Run(spanCtx, handle.Sightings())
	}()

	if s.pendingDegrade {
		// A degrade intent arrived while paused; resume straight into
		// Degraded so the monitor's view and the session agree.
		s.pendingDegrade = false
		if s.deps.Feeds != nil {
			s.deps.Feeds.SetEnabled(false)
		}
		s.debounce.SetQuietPeriod(s.cfg.QuietPeriod * time.Duration(s.cfg.DegradedQuietFactor))
		s.health = core.HealthDegraded
		s.setStateLocked(core.StateDegraded)
		return nil
	}

	if s.deps.Feeds != nil {
		s.deps.Feeds.SetEnabled(true)
	}
	s.debounce.SetQuietPeriod(s.cfg.QuietPeriod)
	s.setStateLocked(core.StateActive)
	return nil
}

// deactivateLocked releases the tracker and stops the debouncer and feeds.
// Runs synchronously: when it returns, the resource is free and no further
// enter/leave events will fire.
func (s *Session) deactivateLocked() {
	if s.spanCancel != nil {
		s.spanCancel()
		s.spanCancel = nil
	}
	s.pumpWG.Wait()

	for marker, r := range s.resolutions {
		r.cancel()
		delete(s.resolutions, marker)
	}

	s.debounce.Reset()

	if s.deps.Feeds != nil {
		s.deps.Feeds.CloseAll()
	}
	for marker := range s.feedsOpen {
		delete(s.feedsOpen, marker)
	}

	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
}

// startLoopsLocked starts the session-lifetime consumers on first
// activation. They exit when Dispose cancels lifeCtx.
func (s *Session) startLoopsLocked() {
	s.loopsOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consumeEvents()
		}()

		if s.deps.Intents != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.consumeIntents()
			}()
		}
	})
}

func (s *Session) consumeEvents() {
	for {
		select {
		case <-s.lifeCtx.Done():
			return
		case e := <-s.debounce.Events().Receive():
			switch e.Kind {
			case detect.Entered:
				s.handleEntered(e.Marker)
			case detect.Left:
				s.handleLeft(e.Marker)
			case detect.Ambiguous:
				s.handleAmbiguous(e.Active)
			}
		}
	}
}

func (s *Session) consumeIntents() {
	for {
		select {
		case <-s.lifeCtx.Done():
			return
		case intent := <-s.deps.Intents.Receive():
			switch intent {
			case monitor.IntentDegrade:
				s.degrade()
			case monitor.IntentRecover:
				s.recover()
			}
		}
	}
}

// handleEntered launches an asynchronous resolution for the marker. A newer
// enter for the same marker supersedes the previous attempt.
func (s *Session) handleEntered(marker core.MarkerID) {
	s.mu.Lock()
	if s.state != core.StateActive && s.state != core.StateDegraded {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(s.lifeCtx, s.cfg.ResolveTimeout)
	if prev, ok := s.resolutions[marker]; ok {
		prev.cancel()
	}
	r := &resolution{cancel: cancel}
	s.resolutions[marker] = r
	scope := s.cfg.EventScope
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		outcome := s.deps.Resolver.Resolve(ctx, marker, scope)

		s.mu.Lock()
		// Pointer identity decides delivery. A leave, an ambiguity, a
		// span end or a newer enter all remove or replace the entry, so
		// a stale attempt drops its outcome no matter how it finished.
		// A plain timeout leaves the entry in place and still surfaces
		// its failure to the renderer.
		current := s.resolutions[marker] == r
		if current {
			delete(s.resolutions, marker)
		}
		openFeed := false
		if current && outcome.Status == core.StatusFound && outcome.Stall != nil {
			_, already := s.feedsOpen[marker]
			if !already && s.state == core.StateActive && s.deps.Feeds != nil {
				s.feedsOpen[marker] = *outcome.Stall
				openFeed = true
			}
		}
		s.mu.Unlock()

		if !current {
			return
		}

		s.deps.Notifier.MarkerResolved(marker, outcome)
		if openFeed {
			s.deps.Feeds.Open(*outcome.Stall)
		}
	}()
}

func (s *Session) handleLeft(marker core.MarkerID) {
	s.mu.Lock()
	if r, ok := s.resolutions[marker]; ok {
		r.cancel()
		delete(s.resolutions, marker)
	}
	stall, hadFeed := s.feedsOpen[marker]
	delete(s.feedsOpen, marker)
	s.mu.Unlock()

	if hadFeed && s.deps.Feeds != nil {
		s.deps.Feeds.Release(stall)
	}
	s.deps.Notifier.MarkerLeft(marker)
}

// handleAmbiguous cancels all in-flight resolutions and reports the full
// active set. Open feeds stay open: the markers have not left, and the
// survivor's re-announcement resolves from cache.
func (s *Session) handleAmbiguous(markers []core.MarkerID) {
	s.mu.Lock()
	for marker, r := range s.resolutions {
		r.cancel()
		delete(s.resolutions, marker)
	}
	s.mu.Unlock()

	s.deps.Notifier.Ambiguity(markers)
}

// degrade honors a monitor degrade intent. While Active the session degrades
// in place: feeds close, the quiet period widens to cut resolution volume,
// and the tracker keeps running. While Paused the intent is recorded and
// applied on resume.
func (s *Session) degrade() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == core.StatePaused {
		s.pendingDegrade = true
		s.logger().Info("Degrade intent deferred until resume")
		return
	}
	if s.state != core.StateActive {
		s.logger().Debug("Degrade intent ignored", "state", s.state.String())
		return
	}

	if s.deps.Feeds != nil {
		s.deps.Feeds.SetEnabled(false)
	}
	for marker := range s.feedsOpen {
		delete(s.feedsOpen, marker)
	}
	s.debounce.SetQuietPeriod(s.cfg.QuietPeriod * time.Duration(s.cfg.DegradedQuietFactor))

	s.health = core.HealthDegraded
	s.setStateLocked(core.StateDegraded)
}

// recover honors a monitor recover intent from Degraded back to Active.
// Feeds for already-resolved markers reopen on their next enter.
func (s *Session) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A recover intent withdraws any degrade deferred while paused.
	s.pendingDegrade = false

	if s.state != core.StateDegraded {
		s.logger().Debug("Recover intent ignored", "state", s.state.String())
		return
	}

	if s.deps.Feeds != nil {
		s.deps.Feeds.SetEnabled(true)
	}
	s.debounce.SetQuietPeriod(s.cfg.QuietPeriod)

	s.setStateLocked(core.StateActive)
}
