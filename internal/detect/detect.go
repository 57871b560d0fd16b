// Package detect turns the tracker's noisy per-frame sighting stream into
// stable enter/leave transitions on the active marker set.
//
// A marker enters the set on its first sighting and leaves only after a full
// quiet period with no sightings, which absorbs momentary occlusion without
// re-triggering downstream resolution. With more than one marker active the
// debouncer refuses to pick a winner and reports ambiguity instead.
package detect

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/eventlens/arscan/internal/channel"
	"github.com/eventlens/arscan/pkg/core"
)

// EventKind tags debouncer output events.
type EventKind int

const (
	// Entered: the marker became the single active marker and downstream
	// resolution should run.
	Entered EventKind = iota
	// Left: the marker's quiet period elapsed with no sighting.
	Left
	// Ambiguous: more than one marker is active; resolution is suppressed
	// until the set shrinks back to exactly one.
	Ambiguous
)

func (k EventKind) String() string {
	switch k {
	case Entered:
		return "entered"
	case Left:
		return "left"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Event is a debounced marker transition.
type Event struct {
	Kind   EventKind
	Marker core.MarkerID   // set for Entered/Left
	Active []core.MarkerID // snapshot of the active set, sorted; set for Ambiguous
	At     time.Time
}

// Config holds debouncer settings.
type Config struct {
	QuietPeriod time.Duration
	EventBuffer int
}

// Debouncer owns the ActiveMarkerSet and one pending-removal timer per
// active marker. It is the set's only writer; everyone else sees snapshots.
type Debouncer struct {
	mu        sync.Mutex
	quiet     time.Duration
	active    map[core.MarkerID]*time.Timer
	announced map[core.MarkerID]bool
	entered   map[core.MarkerID]bool
	stopped   bool

	events channel.Channel[Event]
	logger *slog.Logger

	sightings metric.Int64Counter
	emitted   metric.Int64Counter
	absorbed  metric.Int64Counter
}

// New creates a debouncer. Events are delivered on Events(); the channel is
// never closed, consumers stop reading when the session leaves Active.
func New(cfg Config, logger *slog.Logger) (*Debouncer, error) {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 3 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Debouncer{
		quiet:     cfg.QuietPeriod,
		active:    make(map[core.MarkerID]*time.Timer),
		announced: make(map[core.MarkerID]bool),
		entered:   make(map[core.MarkerID]bool),
		events:    channel.New[Event](cfg.EventBuffer),
		logger:    logger,
	}

	m := meter()
	var err error
	if d.sightings, err = m.Int64Counter("detect.sightings.processed",
		metric.WithDescription("Raw sightings consumed from the tracker")); err != nil {
		return nil, err
	}
	if d.emitted, err = m.Int64Counter("detect.events.emitted",
		metric.WithDescription("Enter/leave/ambiguous events emitted")); err != nil {
		return nil, err
	}
	if d.absorbed, err = m.Int64Counter("detect.flicker.absorbed",
		metric.WithDescription("Repeated sightings absorbed without an event")); err != nil {
		return nil, err
	}

	return d, nil
}

// Events returns the receive side of the debounced event stream.
func (d *Debouncer) Events() channel.Receiver[Event] {
	return d.events
}

// Run consumes sightings until the channel closes or ctx is cancelled.
// Intended to run as a goroutine owned by the session state machine.
func (d *Debouncer) Run(ctx context.Context, sightings <-chan core.Sighting) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sightings:
			if !ok {
				return
			}
			d.Observe(s)
		}
	}
}

// Observe processes a single sighting. Safe for direct use in tests and for
// hosts that push sightings instead of exposing a channel.
func (d *Debouncer) Observe(s core.Sighting) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.sightings.Add(context.Background(), 1)

	if timer, ok := d.active[s.Marker]; ok {
		// Already active: just push the removal deadline out.
		timer.Reset(d.quiet)
		d.absorbed.Add(context.Background(), 1)
		return
	}

	marker := s.Marker
	d.active[marker] = time.AfterFunc(d.quiet, func() {
		d.expire(marker)
	})

	switch len(d.active) {
	case 1:
		d.announced[marker] = true
		d.entered[marker] = true
		d.emit(Event{Kind: Entered, Marker: marker, At: s.ObservedAt})
	default:
		// Ambiguity invalidates every prior announcement: the session
		// cancels in-flight work and the survivor is re-announced when
		// the set shrinks back to one.
		for m := range d.announced {
			d.announced[m] = false
		}
		d.emit(Event{Kind: Ambiguous, Active: d.activeSnapshotLocked(), At: s.ObservedAt})
	}
}

// expire fires when a marker's quiet period elapses without a sighting.
func (d *Debouncer) expire(marker core.MarkerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if _, ok := d.active[marker]; !ok {
		return
	}

	// Any marker that was ever announced gets a matching leave, even if
	// ambiguity de-announced it afterwards; otherwise the session would
	// hold its overlay and feed open forever.
	wasEntered := d.entered[marker]
	delete(d.active, marker)
	delete(d.announced, marker)
	delete(d.entered, marker)

	if wasEntered {
		d.emit(Event{Kind: Left, Marker: marker, At: time.Now()})
	}

	// Ambiguity resolved: announce the survivor.
	if len(d.active) == 1 {
		for m := range d.active {
			if !d.announced[m] {
				d.announced[m] = true
				d.entered[m] = true
				d.emit(Event{Kind: Entered, Marker: m, At: time.Now()})
			}
		}
	}
}

// ActiveMarkers returns a sorted snapshot of the active marker set.
func (d *Debouncer) ActiveMarkers() []core.MarkerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeSnapshotLocked()
}

func (d *Debouncer) activeSnapshotLocked() []core.MarkerID {
	markers := make([]core.MarkerID, 0, len(d.active))
	for m := range d.active {
		markers = append(markers, m)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i] < markers[j] })
	return markers
}

// SetQuietPeriod adjusts the quiet period; the pressure monitor widens it in
// degraded mode to cut resolution volume. Applies to subsequent timer resets.
func (d *Debouncer) SetQuietPeriod(quiet time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if quiet > 0 {
		d.quiet = quiet
	}
}

// QuietPeriod returns the current quiet period.
func (d *Debouncer) QuietPeriod() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quiet
}

// Reset cancels all pending-removal timers and clears the active set without
// emitting leave events. Called when the session leaves Active; the renderer
// tears down overlays wholesale on that transition.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for m, timer := range d.active {
		timer.Stop()
		delete(d.active, m)
		delete(d.announced, m)
		delete(d.entered, m)
	}
}

// Stop permanently stops the debouncer. Idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	for m, timer := range d.active {
		timer.Stop()
		delete(d.active, m)
		delete(d.announced, m)
		delete(d.entered, m)
	}
}

// emit delivers an event without ever blocking the frame path. Callers hold
// d.mu.
func (d *Debouncer) emit(e Event) {
	if d.events.TrySend(e) {
		d.emitted.Add(context.Background(), 1)
		return
	}
	d.logger.Warn("Debounce event buffer full, dropping event",
		"kind", e.Kind.String(), "marker", e.Marker)
}
