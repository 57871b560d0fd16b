// Package core holds the domain types shared between the scan session and
// its collaborators (tracker, remote directory, renderer, host environment).
package core

import "time"

// MarkerID is the opaque token extracted from a physical marker.
// Unique within a single event's namespace; immutable once observed.
type MarkerID string

// EventScope identifies the event a marker is expected to belong to.
// Stall records are always tagged with the scope they were fetched under.
type EventScope string

// Sighting is a single per-frame "marker visible" observation from the
// tracker. Ephemeral; not retained beyond debounce processing.
type Sighting struct {
	Marker     MarkerID
	ObservedAt time.Time
}

// EntityRefKind distinguishes live-feed subscription targets.
type EntityRefKind string

const (
	RefStall EntityRefKind = "stall"
	RefEvent EntityRefKind = "event"
)

// EntityRef identifies a remote document for live-feed subscriptions.
type EntityRef struct {
	Kind EntityRefKind `json:"kind"`
	ID   string        `json:"id"`
}

// Stall is the resolved record for a marker. Owned by the resolver cache;
// consumers receive value snapshots and never mutate them.
type Stall struct {
	ID         string
	Marker     MarkerID
	EventScope EventScope
	Name       string
	Category   string
	Status     string
	Schedule   string
	CrowdLevel string

	// Position is the raw "lon,lat[,elev]" string from the document store.
	// X/Y are the projected EPSG:3857 coordinates in meters, filled in by
	// the resolver; OffVenue is set when the point falls outside the
	// event's venue bounds.
	Position string
	X, Y     float64
	OffVenue bool

	// Stale marks a snapshot served from cache after a failed refresh.
	Stale     bool
	FetchedAt time.Time
}

// Ref returns the live-feed subscription target for this stall.
func (s Stall) Ref() EntityRef {
	return EntityRef{Kind: RefStall, ID: s.ID}
}

// EventRef returns the live-feed subscription target for the parent event.
func (s Stall) EventRef() EntityRef {
	return EntityRef{Kind: RefEvent, ID: string(s.EventScope)}
}

// PartialUpdate carries an incremental field update from a live feed.
type PartialUpdate struct {
	Ref    EntityRef         `json:"ref"`
	Fields map[string]string `json:"fields"`
}
