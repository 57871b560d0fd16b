package bridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/eventlens/arscan/pkg/core"
)

// Command names on the platform channel.
const (
	CmdLifecycle = ":LIFECYCLE:"
	CmdSighting  = ":SIGHTING:"
)

// Default queue depth for the sighting burst buffer.
const sightingBuffer = 4096

// SessionAPI is the slice of the scan session the host bridge drives.
type SessionAPI interface {
	OnLifecycleSignal(signal core.LifecycleSignal)
	Observe(sighting core.Sighting)
}

// RegisterSessionRoutes wires the platform-channel commands into the session.
// Lifecycle signals are handled synchronously so the host observes ordering;
// sightings are buffered and may be dropped under burst.
func RegisterSessionRoutes(d *Dispatcher, session SessionAPI) {
	d.Register(CmdLifecycle, func(e Event) (any, error) {
		if len(e.Args) < 1 {
			return nil, fmt.Errorf("%s: missing signal argument", CmdLifecycle)
		}
		signal, err := ParseLifecycleSignal(e.Args[0])
		if err != nil {
			return nil, err
		}
		session.OnLifecycleSignal(signal)
		return "ok", nil
	}, Logged())

	d.Register(CmdSighting, func(e Event) (any, error) {
		sighting, err := parseSighting(e)
		if err != nil {
			return nil, err
		}
		session.Observe(sighting)
		return "ok", nil
	}, Buffered(sightingBuffer))
}

// ParseLifecycleSignal maps the host's signal token to a LifecycleSignal.
func ParseLifecycleSignal(token string) (core.LifecycleSignal, error) {
	switch token {
	case "foreground":
		return core.SignalForeground, nil
	case "background":
		return core.SignalBackground, nil
	case "inactive":
		return core.SignalInactive, nil
	case "terminate":
		return core.SignalTerminate, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle signal: %q", token)
	}
}

// parseSighting decodes a sighting event: args are the marker token and an
// optional unix-millisecond observation timestamp.
func parseSighting(e Event) (core.Sighting, error) {
	if len(e.Args) < 1 || e.Args[0] == "" {
		return core.Sighting{}, fmt.Errorf("%s: missing marker argument", CmdSighting)
	}

	observedAt := e.Timestamp
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	if len(e.Args) >= 2 && e.Args[1] != "" {
		millis, err := strconv.ParseInt(e.Args[1], 10, 64)
		if err != nil {
			return core.Sighting{}, fmt.Errorf("%s: bad timestamp %q: %w", CmdSighting, e.Args[1], err)
		}
		observedAt = time.UnixMilli(millis)
	}

	return core.Sighting{Marker: core.MarkerID(e.Args[0]), ObservedAt: observedAt}, nil
}
