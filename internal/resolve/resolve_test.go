package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventlens/arscan/internal/geo"
	"github.com/eventlens/arscan/internal/store"
	"github.com/eventlens/arscan/internal/store/snapshot"
	"github.com/eventlens/arscan/pkg/core"
)

// fakeDirectory is a scriptable store.Directory that counts lookups.
type fakeDirectory struct {
	mu      sync.Mutex
	calls   int32
	delay   time.Duration
	stalls  map[string]*core.Stall // key marker|scope
	err     error
	scopeOf map[core.MarkerID]core.EventScope
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		stalls:  make(map[string]*core.Stall),
		scopeOf: make(map[core.MarkerID]core.EventScope),
	}
}

func (d *fakeDirectory) register(st core.Stall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := st
	d.stalls[snapshot.Key(st.Marker, st.EventScope)] = &cp
	d.scopeOf[st.Marker] = st.EventScope
}

func (d *fakeDirectory) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDirectory) callCount() int32 {
	return atomic.LoadInt32(&d.calls)
}

func (d *fakeDirectory) LookupStall(ctx context.Context, marker core.MarkerID, scope core.EventScope) (*core.Stall, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if st, ok := d.stalls[snapshot.Key(marker, scope)]; ok {
		cp := *st
		cp.FetchedAt = time.Now()
		return &cp, nil
	}
	if other, ok := d.scopeOf[marker]; ok && other != scope {
		return nil, store.ErrScopeMismatch
	}
	return nil, store.ErrNotRegistered
}

type countingReporter struct {
	mu   sync.Mutex
	ok   int
	fail int
}

func (r *countingReporter) Mark(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.ok++
	} else {
		r.fail++
	}
}

func (r *countingReporter) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail
}

func newTestCache(t *testing.T, cfg Config, dir *fakeDirectory, rep Reporter) *Cache {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	c, err := New(cfg, Dependencies{Directory: dir, Reporter: rep}, nil)
	require.NoError(t, err)
	return c
}

func lemonade() core.Stall {
	return core.Stall{
		ID:         "stall-001",
		Marker:     "A7",
		EventScope: "summerfest",
		Name:       "Lemonade Stand",
		Status:     "open",
		CrowdLevel: "low",
	}
}

func TestResolve_Found(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	out := c.Resolve(context.Background(), "A7", "summerfest")
	require.Equal(t, core.StatusFound, out.Status)
	assert.Equal(t, "Lemonade Stand", out.Stall.Name)
	assert.False(t, out.Stall.Stale)
}

func TestResolve_CacheHitSkipsRemote(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	c.Resolve(context.Background(), "A7", "summerfest")
	c.Resolve(context.Background(), "A7", "summerfest")
	c.Resolve(context.Background(), "A7", "summerfest")

	assert.EqualValues(t, 1, dir.callCount())
}

func TestResolve_ConcurrentCallsCoalesce(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	dir.delay = 50 * time.Millisecond
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	const n = 10
	var wg sync.WaitGroup
	outcomes := make([]core.ResolutionOutcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.Resolve(context.Background(), "A7", "summerfest")
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, dir.callCount(), "concurrent resolves must collapse into one lookup")
	for _, out := range outcomes {
		assert.Equal(t, core.StatusFound, out.Status)
	}
}

func TestResolve_NotRegistered_NegativeCached(t *testing.T) {
	dir := newFakeDirectory()
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	out := c.Resolve(context.Background(), "B3", "summerfest")
	assert.Equal(t, core.StatusNotRegistered, out.Status)

	// Within the negative TTL no second remote lookup is issued.
	out = c.Resolve(context.Background(), "B3", "summerfest")
	assert.Equal(t, core.StatusNotRegistered, out.Status)
	assert.EqualValues(t, 1, dir.callCount())
}

func TestResolve_NegativeEntryExpires(t *testing.T) {
	dir := newFakeDirectory()
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: 20 * time.Millisecond}, dir, nil)

	c.Resolve(context.Background(), "B3", "summerfest")
	time.Sleep(30 * time.Millisecond)

	// Marker registered after the session started.
	st := lemonade()
	st.Marker = "B3"
	dir.register(st)

	out := c.Resolve(context.Background(), "B3", "summerfest")
	assert.Equal(t, core.StatusFound, out.Status)
	assert.EqualValues(t, 2, dir.callCount())
}

func TestResolve_WrongEventScope(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade()) // registered under summerfest
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	out := c.Resolve(context.Background(), "A7", "winterfest")
	assert.Equal(t, core.StatusWrongEvent, out.Status)
	assert.Nil(t, out.Stall, "mismatched record contents must never leak")
}

func TestResolve_ScopedCacheNeverLeaksAcrossEvents(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	// Prime under scope A.
	out := c.Resolve(context.Background(), "A7", "summerfest")
	require.Equal(t, core.StatusFound, out.Status)

	// Query under scope B: never Found with A's data.
	out = c.Resolve(context.Background(), "A7", "winterfest")
	assert.Equal(t, core.StatusWrongEvent, out.Status)
	assert.Nil(t, out.Stall)
}

func TestResolve_TransientFailureColdCache(t *testing.T) {
	dir := newFakeDirectory()
	dir.setErr(context.DeadlineExceeded)
	rep := &countingReporter{}
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, rep)

	out := c.Resolve(context.Background(), "A7", "summerfest")
	assert.Equal(t, core.StatusTransientFailure, out.Status)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 1, rep.failures())
}

func TestResolve_StaleFallbackWhenOffline(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	// Prime the cache from the snapshot seed path: mark the entry stale so
	// the next resolve attempts a refresh.
	c.seed([]core.Stall{lemonade()})

	dir.setErr(context.DeadlineExceeded)
	out := c.Resolve(context.Background(), "A7", "summerfest")
	require.Equal(t, core.StatusFound, out.Status)
	assert.True(t, out.Stall.Stale, "offline result must be marked stale")
	assert.Equal(t, "Lemonade Stand", out.Stall.Name)
}

func TestSeed_ProjectsPositionsAndFlagsOffVenue(t *testing.T) {
	dir := newFakeDirectory()
	dir.setErr(context.DeadlineExceeded)
	bounds, err := geo.BoundsFromWKT("POLYGON((0 0,0 10,10 10,10 0,0 0))")
	require.NoError(t, err)

	c, err := New(Config{Capacity: 8, Timeout: time.Second},
		Dependencies{Directory: dir, Bounds: bounds}, nil)
	require.NoError(t, err)

	// A persisted snapshot carries only the raw position string; seeding
	// must project it and check the venue bounds just like a fresh fetch.
	st := lemonade()
	st.Position = "1,0"
	st.FetchedAt = time.Now().Add(-time.Hour)
	c.seed([]core.Stall{st})

	out := c.Resolve(context.Background(), "A7", "summerfest")
	require.Equal(t, core.StatusFound, out.Status)
	assert.True(t, out.Stall.Stale)
	assert.InDelta(t, 111319.49, out.Stall.X, 1.0)
	assert.True(t, out.Stall.OffVenue, "one degree east is well outside a 10m venue")
}

func TestResolve_CancelledCallerDiscardsResult(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	dir.delay = 100 * time.Millisecond
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := c.Resolve(ctx, "A7", "summerfest")
	assert.Equal(t, core.StatusTransientFailure, out.Status)

	// The in-flight lookup completes on its own and lands in the cache.
	assert.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEvictOver_BoundsCache(t *testing.T) {
	dir := newFakeDirectory()
	for _, m := range []string{"A1", "A2", "A3", "A4", "A5"} {
		st := lemonade()
		st.Marker = core.MarkerID(m)
		st.ID = "stall-" + m
		dir.register(st)
	}
	c := newTestCache(t, Config{Capacity: 3, NegativeTTL: time.Minute}, dir, nil)

	for _, m := range []string{"A1", "A2", "A3", "A4", "A5"} {
		c.Resolve(context.Background(), core.MarkerID(m), "summerfest")
	}
	require.Equal(t, 5, c.Len())

	evicted := c.EvictOver()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 3, c.Len())

	// The least recently used entries (A1, A2) are gone: resolving them
	// again goes remote.
	before := dir.callCount()
	c.Resolve(context.Background(), "A1", "summerfest")
	assert.EqualValues(t, before+1, dir.callCount())
}

func TestApply_PatchesMutableFields(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	c.Resolve(context.Background(), "A7", "summerfest")

	snap, ok := c.Apply(core.EntityRef{Kind: core.RefStall, ID: "stall-001"},
		map[string]string{"status": "closed", "crowdLevel": "high"})
	require.True(t, ok)
	assert.Equal(t, "closed", snap.Status)
	assert.Equal(t, "high", snap.CrowdLevel)

	// Subsequent resolves see the patched record, without a remote call.
	before := dir.callCount()
	out := c.Resolve(context.Background(), "A7", "summerfest")
	require.Equal(t, core.StatusFound, out.Status)
	assert.Equal(t, "closed", out.Stall.Status)
	assert.EqualValues(t, before, dir.callCount())
}

func TestApply_UnknownRef(t *testing.T) {
	dir := newFakeDirectory()
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	_, ok := c.Apply(core.EntityRef{Kind: core.RefStall, ID: "nope"}, map[string]string{"status": "x"})
	assert.False(t, ok)

	_, ok = c.Apply(core.EntityRef{Kind: core.RefEvent, ID: "summerfest"}, map[string]string{"status": "x"})
	assert.False(t, ok, "event refs are not cached records")
}

func TestPersistQueue_ReceivesResolvedRecords(t *testing.T) {
	dir := newFakeDirectory()
	dir.register(lemonade())
	c := newTestCache(t, Config{Capacity: 8, NegativeTTL: time.Minute}, dir, nil)

	c.Resolve(context.Background(), "A7", "summerfest")

	pending := c.PersistQueue().Drain()
	require.Len(t, pending, 1)
	assert.EqualValues(t, "A7", pending[0].Marker)
}
