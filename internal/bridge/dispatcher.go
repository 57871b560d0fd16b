// Package bridge routes stringly-typed platform-channel commands from the
// host environment into the scan session. Lifecycle signals run synchronously
// on the caller; sighting bursts go through a buffered queue so a slow frame
// never blocks the host UI thread.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event represents an incoming command from the host platform channel.
type Event struct {
	Command   string
	Args      []string
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Option configures handler registration.
type Option func(*regOpts)

type regOpts struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(o *regOpts) { o.bufferSize = size }
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(o *regOpts) { o.blocking = true }
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(o *regOpts) { o.logged = true }
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	buffers map[string]chan Event

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a Dispatcher. Metrics come from the global OTel meter and are
// no-ops when none is configured.
func New(logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}
	if err := d.initInstruments(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) initInstruments() error {
	m := meter()

	var err error
	if d.queueSize, err = m.Int64ObservableGauge("bridge.queue.size",
		metric.WithDescription("Current number of events in queue")); err != nil {
		return fmt.Errorf("creating queue size gauge: %w", err)
	}
	if d.processed, err = m.Int64Counter("bridge.events.processed",
		metric.WithDescription("Total events processed")); err != nil {
		return fmt.Errorf("creating processed counter: %w", err)
	}
	if d.dropped, err = m.Int64Counter("bridge.events.dropped",
		metric.WithDescription("Total events dropped due to full queue")); err != nil {
		return fmt.Errorf("creating dropped counter: %w", err)
	}

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for cmd, buf := range d.buffers {
			o.ObserveInt64(d.queueSize, int64(len(buf)),
				metric.WithAttributes(attribute.String("command", cmd)))
		}
		return nil
	}, d.queueSize)
	if err != nil {
		return fmt.Errorf("registering queue callback: %w", err)
	}
	return nil
}

// Register adds a handler for the given command. Options wrap the handler
// inside-out: buffering first, then logging.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	var o regOpts
	for _, opt := range opts {
		opt(&o)
	}

	if o.bufferSize > 0 {
		h = d.enqueueing(command, o.bufferSize, o.blocking, h)
	}
	if o.logged {
		h = d.logWrap(command, h)
	}
	d.handlers[command] = h
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	h, ok := d.handlers[e.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", e.Command)
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	_, ok := d.handlers[command]
	return ok
}

// enqueueing starts a consumer goroutine for the command and returns a
// handler that only enqueues. The consumer lives for the dispatcher's
// lifetime; handler errors are logged, not returned, since the caller has
// already moved on.
func (d *Dispatcher) enqueueing(command string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buf := make(chan Event, size)
	d.mu.Lock()
	d.buffers[command] = buf
	d.mu.Unlock()

	attr := metric.WithAttributes(attribute.String("command", command))
	go func() {
		for e := range buf {
			if _, err := h(e); err != nil {
				d.logger.Warn("Buffered event failed", "command", command, "error", err)
			}
			d.processed.Add(context.Background(), 1, attr)
		}
	}()

	return func(e Event) (any, error) {
		if blocking {
			buf <- e
			return "queued", nil
		}
		select {
		case buf <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, attr)
			return nil, fmt.Errorf("queue full: %s", command)
		}
	}
}

func (d *Dispatcher) logWrap(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("Handling event", "command", command, "args", len(e.Args))

		result, err := h(e)
		if err != nil {
			d.logger.Error("Event failed", "command", command, "duration", time.Since(start), "error", err)
			return result, err
		}
		d.logger.Debug("Event complete", "command", command, "duration", time.Since(start))
		return result, nil
	}
}
