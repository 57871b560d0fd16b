// Package resolve maps marker identifiers to stall records, cache-first with
// request coalescing, per-event scoping and offline fallback.
package resolve

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/eventlens/arscan/internal/geo"
	"github.com/eventlens/arscan/internal/queue"
	"github.com/eventlens/arscan/internal/store"
	"github.com/eventlens/arscan/internal/store/snapshot"
	"github.com/eventlens/arscan/pkg/core"
)

// Reporter receives the outcome of every resolution attempt. The pressure
// monitor implements this to track consecutive failures.
type Reporter interface {
	Mark(ok bool)
}

// Config holds resolver tuning knobs.
type Config struct {
	// Capacity bounds the cache; the pressure monitor evicts LRU entries
	// beyond it on its housekeeping tick.
	Capacity int

	// NegativeTTL bounds how long a NotRegistered result is cached. Kept
	// short: a marker may be registered after the scan session starts.
	NegativeTTL time.Duration

	// Timeout bounds each remote lookup.
	Timeout time.Duration

	// RefreshAfter triggers a background refresh when a cache hit is older
	// than this. Zero disables background refreshing.
	RefreshAfter time.Duration
}

// Dependencies holds the resolver's collaborators.
type Dependencies struct {
	Directory store.Directory
	Bounds    *geo.VenueBounds // optional venue boundary for OffVenue flagging
	Reporter  Reporter         // optional
	Logger    *slog.Logger
}

type entry struct {
	stall     core.Stall // value copy; zero when negative
	negative  bool
	fetchedAt time.Time
	elem      *list.Element // position in the LRU list
}

// Cache is the resolver cache. The only component written to by multiple
// logical callers; writes are serialized per key by the singleflight group
// and globally by the mutex.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; values are keys
	group   singleflight.Group

	deps    Dependencies
	cfg     Config
	persist *queue.Queue[core.Stall]

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

// New creates a resolver cache, pre-seeded from persisted offline snapshots
// if a snapshot store is given.
func New(cfg Config, deps Dependencies, snapshots *snapshot.Store) (*Cache, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		deps:    deps,
		cfg:     cfg,
		persist: queue.New[core.Stall](),
	}

	m := meter()
	var err error
	if c.hits, err = m.Int64Counter("resolver.cache.hits",
		metric.WithDescription("Cache hits served without a remote lookup")); err != nil {
		return nil, err
	}
	if c.misses, err = m.Int64Counter("resolver.cache.misses",
		metric.WithDescription("Cache misses requiring a remote lookup")); err != nil {
		return nil, err
	}
	if c.evictions, err = m.Int64Counter("resolver.cache.evictions",
		metric.WithDescription("Entries evicted by the pressure monitor")); err != nil {
		return nil, err
	}

	if snapshots != nil {
		stalls, err := snapshots.LoadAll()
		if err != nil {
			deps.Logger.Warn("Failed to load offline snapshots", "error", err)
		} else {
			c.seed(stalls)
		}
	}

	return c, nil
}

// seed installs offline snapshots as stale entries. The snapshot store keeps
// only the raw position string, so the projection runs again here.
func (c *Cache) seed(stalls []core.Stall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range stalls {
		st.Stale = true
		c.enrich(&st)
		key := snapshot.Key(st.Marker, st.EventScope)
		c.insertLocked(key, &entry{stall: st, fetchedAt: st.FetchedAt})
	}
	if len(stalls) > 0 {
		c.deps.Logger.Info("Seeded resolver cache from offline snapshots", "count", len(stalls))
	}
}

// Resolve maps a marker to a stall record within an event scope. Safe to
// call concurrently; concurrent calls for the same key collapse into a
// single remote lookup. The returned outcome always has exactly one of the
// four statuses; never a bare nil.
func (c *Cache) Resolve(ctx context.Context, marker core.MarkerID, scope core.EventScope) core.ResolutionOutcome {
	key := snapshot.Key(marker, scope)

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.lru.MoveToFront(e.elem)
		if e.negative {
			if time.Since(e.fetchedAt) < c.cfg.NegativeTTL {
				c.mu.Unlock()
				c.hits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("negative", true)))
				c.report(true)
				return core.NotRegistered()
			}
			// Negative entry expired; fall through to a fresh lookup.
		} else if !e.stall.Stale {
			stallCopy := e.stall
			age := time.Since(e.fetchedAt)
			c.mu.Unlock()
			c.hits.Add(ctx, 1)
			c.report(true)
			if c.cfg.RefreshAfter > 0 && age > c.cfg.RefreshAfter {
				go c.refresh(marker, scope)
			}
			return core.Found(&stallCopy)
		}
	}
	c.mu.Unlock()

	c.misses.Add(ctx, 1)
	return c.lookup(ctx, marker, scope, key)
}

// lookup performs the coalesced remote lookup and classifies the result.
func (c *Cache) lookup(ctx context.Context, marker core.MarkerID, scope core.EventScope, key string) core.ResolutionOutcome {
	ch := c.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		return c.remoteLookup(lookupCtx, marker, scope, key), nil
	})

	select {
	case res := <-ch:
		return res.Val.(core.ResolutionOutcome)
	case <-ctx.Done():
		// The caller left (marker no longer visible); the in-flight call
		// completes on its own and its result lands in the cache.
		return core.TransientFailure("resolution cancelled")
	}
}

// remoteLookup runs exactly once per coalesced key and updates the cache.
func (c *Cache) remoteLookup(ctx context.Context, marker core.MarkerID, scope core.EventScope, key string) core.ResolutionOutcome {
	stall, err := c.deps.Directory.LookupStall(ctx, marker, scope)

	switch {
	case err == nil:
		c.enrich(stall)
		c.mu.Lock()
		c.insertLocked(key, &entry{stall: *stall, fetchedAt: stall.FetchedAt})
		c.mu.Unlock()
		c.persist.Push(*stall)
		c.report(true)
		stallCopy := *stall
		return core.Found(&stallCopy)

	case errors.Is(err, store.ErrNotRegistered):
		c.mu.Lock()
		c.insertLocked(key, &entry{negative: true, fetchedAt: time.Now()})
		c.mu.Unlock()
		c.report(true)
		return core.NotRegistered()

	case errors.Is(err, store.ErrScopeMismatch):
		// Existence only; never cache or expose the mismatched record.
		c.report(true)
		return core.WrongEvent()

	default:
		c.report(false)
		c.mu.Lock()
		e, ok := c.entries[key]
		if ok && !e.negative {
			stale := e.stall
			c.mu.Unlock()
			stale.Stale = true
			c.deps.Logger.Warn("Remote lookup failed, serving stale snapshot",
				"marker", marker, "error", err)
			return core.Found(&stale)
		}
		c.mu.Unlock()
		return core.TransientFailure(err.Error())
	}
}

// refresh re-fetches a key in the background, replacing the cached entry on
// success and leaving it untouched on failure.
func (c *Cache) refresh(marker core.MarkerID, scope core.EventScope) {
	key := snapshot.Key(marker, scope)
	_, _, _ = c.group.Do(key+":refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		stall, err := c.deps.Directory.LookupStall(ctx, marker, scope)
		if err != nil {
			return nil, err
		}
		c.enrich(stall)
		c.mu.Lock()
		c.insertLocked(key, &entry{stall: *stall, fetchedAt: stall.FetchedAt})
		c.mu.Unlock()
		c.persist.Push(*stall)
		return nil, nil
	})
}

// enrich projects the stall's position and flags it when outside the venue.
func (c *Cache) enrich(stall *core.Stall) {
	if stall.Position == "" {
		return
	}
	lon, lat, _, err := geo.ParsePosition(stall.Position)
	if err != nil {
		c.deps.Logger.Warn("Stall has unparseable position",
			"stall", stall.ID, "position", stall.Position)
		return
	}
	stall.X, stall.Y = geo.Project3857(lon, lat)
	if !c.deps.Bounds.Contains(stall.X, stall.Y) {
		stall.OffVenue = true
		c.deps.Logger.Warn("Stall position outside venue bounds", "stall", stall.ID)
	}
}

// Apply patches a cached stall's mutable fields in place from a live-feed
// update and returns the fresh snapshot. Returns false if no cached record
// matches the ref.
func (c *Cache) Apply(ref core.EntityRef, fields map[string]string) (core.Stall, bool) {
	if ref.Kind != core.RefStall {
		return core.Stall{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.negative || e.stall.ID != ref.ID {
			continue
		}
		if v, ok := fields["status"]; ok {
			e.stall.Status = v
		}
		if v, ok := fields["schedule"]; ok {
			e.stall.Schedule = v
		}
		if v, ok := fields["crowdLevel"]; ok {
			e.stall.CrowdLevel = v
		}
		e.stall.Stale = false
		return e.stall, true
	}
	return core.Stall{}, false
}

// insertLocked installs or replaces an entry and bumps it to the LRU front.
// Callers must hold c.mu.
func (c *Cache) insertLocked(key string, e *entry) {
	if old, ok := c.entries[key]; ok {
		c.lru.Remove(old.elem)
	}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
}

// EvictOver removes least-recently-used entries beyond the configured
// capacity. Called by the pressure monitor; returns the eviction count.
func (c *Cache) EvictOver() int {
	if c.cfg.Capacity <= 0 {
		return 0
	}

	c.mu.Lock()
	evicted := 0
	for len(c.entries) > c.cfg.Capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		c.lru.Remove(back)
		delete(c.entries, key)
		evicted++
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.evictions.Add(context.Background(), int64(evicted))
	}
	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PersistQueue exposes the write-behind queue of resolved records; the
// pressure monitor drains it into the snapshot store.
func (c *Cache) PersistQueue() *queue.Queue[core.Stall] {
	return c.persist
}

func (c *Cache) report(ok bool) {
	if c.deps.Reporter != nil {
		c.deps.Reporter.Mark(ok)
	}
}
