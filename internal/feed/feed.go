// Package feed keeps resolved stall records live. It holds one WebSocket to
// the document store's feed endpoint and multiplexes per-document
// subscriptions over it: one feed per resolved stall, plus a single shared
// feed for the parent event, refcounted across the stalls that need it.
//
// Incoming updates patch the resolver cache in place and notify the renderer
// with the fresh snapshot. An update never triggers a re-resolution.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/eventlens/arscan/pkg/core"
	"github.com/eventlens/arscan/pkg/streaming"
)

// Applier patches a cached record with updated fields and returns the fresh
// snapshot. Implemented by the resolver cache.
type Applier interface {
	Apply(ref core.EntityRef, fields map[string]string) (core.Stall, bool)
}

// Notifier receives snapshots of stalls whose records changed, and
// event-level updates from the shared parent-event feed.
type Notifier interface {
	StallUpdated(stall core.Stall)
	EventUpdated(scope core.EventScope, fields map[string]string)
}

// Reporter receives feed transport outcomes for the pressure monitor.
type Reporter interface {
	Mark(ok bool)
}

// Config holds feed endpoint settings.
type Config struct {
	URL    string
	Secret string
}

// Dependencies are the manager's collaborators. Applier and Notifier are
// required; Reporter and Logger are optional.
type Dependencies struct {
	Applier  Applier
	Notifier Notifier
	Reporter Reporter
	Logger   *slog.Logger
}

// Manager owns the feed connection and the subscription refcounts.
type Manager struct {
	conn *connection
	cfg  Config
	deps Dependencies

	mu      sync.Mutex
	refs    map[core.EntityRef]int
	enabled bool

	opened  metric.Int64Counter
	applied metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates a feed manager. Call Connect before opening feeds.
func New(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := &Manager{
		conn:    newConnection(deps.Logger),
		cfg:     cfg,
		deps:    deps,
		refs:    make(map[core.EntityRef]int),
		enabled: true,
	}
	m.conn.onUpdate = m.handleUpdate
	m.conn.replay = m.replayMessages

	mt := meter()
	var err error
	if m.opened, err = mt.Int64Counter("feed.subscriptions.opened",
		metric.WithDescription("Feed subscriptions opened")); err != nil {
		return nil, err
	}
	if m.applied, err = mt.Int64Counter("feed.updates.applied",
		metric.WithDescription("Live updates applied to the resolver cache")); err != nil {
		return nil, err
	}
	if m.dropped, err = mt.Int64Counter("feed.updates.dropped",
		metric.WithDescription("Live updates for documents no longer cached or subscribed")); err != nil {
		return nil, err
	}

	return m, nil
}

// Connect dials the feed endpoint.
func (m *Manager) Connect() error {
	err := m.conn.dial(m.cfg.URL, m.cfg.Secret)
	m.report(err == nil)
	return err
}

// Open subscribes to the stall's own feed and takes a reference on the
// shared parent-event feed. No-op while the manager is disabled.
func (m *Manager) Open(stall core.Stall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		m.deps.Logger.Debug("Feeds disabled, skipping open", "stall", stall.ID)
		return
	}

	m.acquireLocked(stall.Ref())
	m.acquireLocked(stall.EventRef())
}

// Release drops the stall's feed and its reference on the parent-event feed.
// The event feed closes when the last stall releases it.
func (m *Manager) Release(stall core.Stall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(stall.Ref())
	m.releaseLocked(stall.EventRef())
}

// CloseAll unsubscribes every open feed. The connection stays up.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAllLocked()
}

// SetEnabled toggles feed availability. Disabling closes every open feed and
// turns subsequent Open calls into no-ops; the pressure monitor uses this to
// shed load in degraded mode.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	if !enabled {
		m.closeAllLocked()
	}
}

// OpenFeeds returns the number of distinct open subscriptions.
func (m *Manager) OpenFeeds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

// Close tears down all feeds and the connection.
func (m *Manager) Close() error {
	m.CloseAll()
	return m.conn.close()
}

func (m *Manager) acquireLocked(ref core.EntityRef) {
	m.refs[ref]++
	if m.refs[ref] > 1 {
		return
	}
	m.sendControl(streaming.TypeSubscribe, ref)
	m.opened.Add(context.Background(), 1)
}

func (m *Manager) releaseLocked(ref core.EntityRef) {
	n, ok := m.refs[ref]
	if !ok {
		return
	}
	if n > 1 {
		m.refs[ref] = n - 1
		return
	}
	delete(m.refs, ref)
	m.sendControl(streaming.TypeUnsubscribe, ref)
}

func (m *Manager) closeAllLocked() {
	for ref := range m.refs {
		m.sendControl(streaming.TypeUnsubscribe, ref)
		delete(m.refs, ref)
	}
}

func (m *Manager) sendControl(msgType string, ref core.EntityRef) {
	data, err := streaming.Marshal(msgType, streaming.SubscribePayload{Ref: ref})
	if err != nil {
		m.deps.Logger.Error("Failed to marshal feed control message",
			"type", msgType, "ref", ref.ID, "error", err)
		return
	}
	m.conn.send(data)
}

// handleUpdate runs on the connection's read loop.
func (m *Manager) handleUpdate(up streaming.UpdatePayload) {
	m.mu.Lock()
	_, subscribed := m.refs[up.Ref]
	m.mu.Unlock()

	if !subscribed {
		// Late update for a feed we already closed.
		m.dropped.Add(context.Background(), 1)
		return
	}

	if up.Ref.Kind == core.RefEvent {
		m.applied.Add(context.Background(), 1)
		m.report(true)
		if m.deps.Notifier != nil {
			m.deps.Notifier.EventUpdated(core.EventScope(up.Ref.ID), up.Fields)
		}
		return
	}

	stall, ok := m.deps.Applier.Apply(up.Ref, up.Fields)
	if !ok {
		m.deps.Logger.Debug("Update for uncached document", "kind", up.Ref.Kind, "id", up.Ref.ID)
		m.dropped.Add(context.Background(), 1)
		return
	}

	m.applied.Add(context.Background(), 1)
	m.report(true)
	if m.deps.Notifier != nil {
		m.deps.Notifier.StallUpdated(stall)
	}
}

// replayMessages rebuilds the subscribe messages for every open feed, in a
// stable order, for post-reconnect replay.
func (m *Manager) replayMessages() [][]byte {
	m.mu.Lock()
	refs := make([]core.EntityRef, 0, len(m.refs))
	for ref := range m.refs {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})

	msgs := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		data, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{Ref: ref})
		if err != nil {
			continue
		}
		msgs = append(msgs, data)
	}
	return msgs
}

func (m *Manager) report(ok bool) {
	if m.deps.Reporter != nil {
		m.deps.Reporter.Mark(ok)
	}
}
