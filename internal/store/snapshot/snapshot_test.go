package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventlens/arscan/pkg/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStall(marker, scope string) core.Stall {
	return core.Stall{
		ID:         "stall-" + marker,
		Marker:     core.MarkerID(marker),
		EventScope: core.EventScope(scope),
		Name:       "Stall " + marker,
		Category:   "food",
		Status:     "open",
		Schedule:   "10:00-18:00",
		CrowdLevel: "medium",
		Position:   "13.4,52.5",
		FetchedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_SaveAndLoadAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(testStall("A7", "summerfest"), testStall("C12", "summerfest")))

	stalls, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, stalls, 2)

	byMarker := map[core.MarkerID]core.Stall{}
	for _, st := range stalls {
		byMarker[st.Marker] = st
	}

	a7 := byMarker["A7"]
	assert.Equal(t, "Stall A7", a7.Name)
	assert.Equal(t, "open", a7.Status)
	assert.Equal(t, "medium", a7.CrowdLevel)
	assert.True(t, a7.Stale, "loaded snapshots are offline data")
}

func TestStore_SaveUpserts(t *testing.T) {
	s := openTestStore(t)

	st := testStall("A7", "summerfest")
	require.NoError(t, s.Save(st))

	st.Status = "closed"
	require.NoError(t, s.Save(st))

	stalls, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, stalls, 1)
	assert.Equal(t, "closed", stalls[0].Status)
}

func TestStore_SaveSkipsStaleRecords(t *testing.T) {
	s := openTestStore(t)

	st := testStall("A7", "summerfest")
	st.Stale = true
	require.NoError(t, s.Save(st))

	stalls, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, stalls)
}

func TestStore_SameMarkerDifferentScopes(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(testStall("A7", "summerfest"), testStall("A7", "winterfest")))

	stalls, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, stalls, 2, "scope is part of the snapshot key")
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)

	old := testStall("A7", "summerfest")
	old.FetchedAt = time.Now().Add(-48 * time.Hour)
	fresh := testStall("C12", "summerfest")

	require.NoError(t, s.Save(old, fresh))
	require.NoError(t, s.Prune(time.Now().Add(-24*time.Hour)))

	stalls, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, stalls, 1)
	assert.EqualValues(t, "C12", stalls[0].Marker)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "A7|summerfest", Key("A7", "summerfest"))
}
