package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
)

// VenueBounds is the venue's boundary polygon in EPSG:3857. A stall record
// whose mapped position falls outside the bounds is flagged but still
// resolvable; the flag exists so bad venue data surfaces in logs instead of
// silently rendering an overlay in the wrong place.
type VenueBounds struct {
	polygon geom.Polygon
}

// BoundsFromWKT parses a POLYGON WKT string (already in 3857) into
// VenueBounds.
func BoundsFromWKT(wkt string) (*VenueBounds, error) {
	g, err := geom.UnmarshalWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("parsing venue bounds: %w", err)
	}
	if !g.IsPolygon() {
		return nil, fmt.Errorf("venue bounds must be a polygon, got %s", g.Type())
	}
	return &VenueBounds{polygon: g.MustAsPolygon()}, nil
}

// Contains reports whether the projected point lies within the venue bounds.
// A nil bounds accepts everything.
func (b *VenueBounds) Contains(x, y float64) bool {
	if b == nil {
		return true
	}
	pt, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}})
	if err != nil {
		return false
	}
	return geom.Intersects(b.polygon.AsGeometry(), pt.AsGeometry())
}
