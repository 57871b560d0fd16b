package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventlens/arscan/internal/bridge"
	"github.com/eventlens/arscan/internal/session"
	"github.com/eventlens/arscan/pkg/core"
)

// scriptedTracker stands in for the platform AR tracker. Each Acquire opens
// a fresh tracking span; Emit pushes a frame sighting into whichever span is
// currently live.
type scriptedTracker struct {
	mu     sync.Mutex
	buffer int
	cur    *scriptedHandle
}

func newScriptedTracker(buffer int) *scriptedTracker {
	if buffer <= 0 {
		buffer = 64
	}
	return &scriptedTracker{buffer: buffer}
}

func (t *scriptedTracker) Acquire() (session.TrackerHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &scriptedHandle{
		tracker: t,
		ch:      make(chan core.Sighting, t.buffer),
	}
	t.cur = h
	return h, nil
}

// Emit delivers one frame observation to the live span. Frames arriving
// between spans are dropped, same as a real camera with no consumer.
func (t *scriptedTracker) Emit(marker core.MarkerID) {
	t.mu.Lock()
	h := t.cur
	t.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	select {
	case h.ch <- core.Sighting{Marker: marker, ObservedAt: time.Now()}:
	default:
	}
}

type scriptedHandle struct {
	tracker *scriptedTracker

	mu       sync.Mutex
	ch       chan core.Sighting
	released bool
}

func (h *scriptedHandle) Sightings() <-chan core.Sighting { return h.ch }

func (h *scriptedHandle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()

	h.tracker.mu.Lock()
	if h.tracker.cur == h {
		h.tracker.cur = nil
	}
	h.tracker.mu.Unlock()
}

// grantedPermissions answers every check positively; the sim host has no
// camera to deny.
type grantedPermissions struct{}

func (grantedPermissions) CameraPermission() core.PermissionStatus { return core.PermissionGranted }
func (grantedPermissions) PlatformSupport() core.SupportStatus     { return core.PlatformSupported }

// consoleRenderer is the sim's rendering layer: every notification becomes a
// log line instead of a UI overlay. It also mirrors the last session state
// for the log StateHandler to stamp onto records.
type consoleRenderer struct {
	log   *slog.Logger
	state atomic.Value // string
}

func newConsoleRenderer(log *slog.Logger) *consoleRenderer {
	r := &consoleRenderer{log: log.With("component", "renderer")}
	r.state.Store(core.StateUninitialized.String())
	return r
}

// stateAttrs is an logging.AttrProvider stamping the session state on every
// log record.
func (r *consoleRenderer) stateAttrs() []slog.Attr {
	return []slog.Attr{slog.String("sessionState", r.state.Load().(string))}
}

func (r *consoleRenderer) StateChanged(state core.SessionState, health core.Health) {
	r.state.Store(state.String())
	r.log.Info("Session state changed", "state", state.String(), "health", health.String())
}

func (r *consoleRenderer) MarkerResolved(marker core.MarkerID, outcome core.ResolutionOutcome) {
	if outcome.Status == core.StatusFound && outcome.Stall != nil {
		r.log.Info("Marker resolved",
			"marker", marker,
			"stall", outcome.Stall.Name,
			"status", outcome.Stall.Status,
			"stale", outcome.Stall.Stale,
			"offVenue", outcome.Stall.OffVenue)
		return
	}
	advice := core.AdviceFor(outcome)
	r.log.Info("Marker did not resolve",
		"marker", marker,
		"outcome", outcome.Status.String(),
		"message", advice.Message,
		"action", advice.Action)
}

func (r *consoleRenderer) MarkerLeft(marker core.MarkerID) {
	r.log.Info("Marker left view", "marker", marker)
}

func (r *consoleRenderer) Ambiguity(markers []core.MarkerID) {
	r.log.Info("Multiple markers in view, overlays withdrawn", "markers", markers)
}

func (r *consoleRenderer) Advice(advice core.Advice) {
	r.log.Info("Advice surfaced", "message", advice.Message, "action", advice.Action)
}

func (r *consoleRenderer) StallUpdated(stall core.Stall) {
	r.log.Info("Live update applied",
		"stall", stall.Name,
		"status", stall.Status,
		"crowdLevel", stall.CrowdLevel)
}

func (r *consoleRenderer) EventUpdated(scope core.EventScope, fields map[string]string) {
	r.log.Info("Event-wide update received", "eventScope", scope, "fields", fields)
}

// deferredReporter forwards health marks to the monitor once it exists. The
// resolver and feed manager are built before the monitor that watches them.
type deferredReporter struct {
	mu  sync.Mutex
	dst interface{ Mark(ok bool) }
}

func (r *deferredReporter) set(dst interface{ Mark(ok bool) }) {
	r.mu.Lock()
	r.dst = dst
	r.mu.Unlock()
}

func (r *deferredReporter) Mark(ok bool) {
	r.mu.Lock()
	dst := r.dst
	r.mu.Unlock()
	if dst != nil {
		dst.Mark(ok)
	}
}

// runScenario walks a visitor through one scripted session: approach a
// stall, glance across two markers at once, pocket the phone, come back,
// and leave the venue.
func runScenario(ctx context.Context, log *slog.Logger, d *bridge.Dispatcher, tracker *scriptedTracker, quiet time.Duration) error {
	lifecycle := func(token string) error {
		_, err := d.Dispatch(bridge.Event{
			Command:   bridge.CmdLifecycle,
			Args:      []string{token},
			Timestamp: time.Now(),
		})
		return err
	}

	if err := lifecycle("foreground"); err != nil {
		return err
	}

	// Approach stall A7: a burst of frames with sub-quiet flicker gaps.
	log.Info("Scenario: approaching marker A7")
	for i := 0; i < 5; i++ {
		tracker.Emit("A7")
		if !pause(ctx, quiet/4) {
			return ctx.Err()
		}
	}
	// Walk away and let the quiet period elapse.
	if !pause(ctx, quiet+quiet/2) {
		return ctx.Err()
	}

	// Two markers in frame at once.
	log.Info("Scenario: two markers in view")
	tracker.Emit("B3")
	tracker.Emit("C9")
	if !pause(ctx, quiet/4) {
		return ctx.Err()
	}
	// Keep only B3 alive so C9 expires and B3 is re-announced.
	for i := 0; i < 4; i++ {
		tracker.Emit("B3")
		if !pause(ctx, quiet/2) {
			return ctx.Err()
		}
	}
	if !pause(ctx, quiet+quiet/2) {
		return ctx.Err()
	}

	// A sighting pushed by the host over the platform channel.
	log.Info("Scenario: host-injected sighting")
	if _, err := d.Dispatch(bridge.Event{
		Command:   bridge.CmdSighting,
		Args:      []string{"D4"},
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	if !pause(ctx, quiet/2) {
		return ctx.Err()
	}

	// Pocket the phone, then bring it back.
	log.Info("Scenario: backgrounding and resuming")
	if err := lifecycle("background"); err != nil {
		return err
	}
	if !pause(ctx, quiet/2) {
		return ctx.Err()
	}
	if err := lifecycle("foreground"); err != nil {
		return err
	}
	tracker.Emit("A7")
	if !pause(ctx, quiet+quiet/2) {
		return ctx.Err()
	}

	log.Info("Scenario: leaving the venue")
	return lifecycle("terminate")
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
