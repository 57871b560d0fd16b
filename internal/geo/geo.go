// Package geo parses stall positions from the remote document store and
// projects them into EPSG:3857 meters for overlay distance display and
// venue-bounds checks.
//
// Positions are always handled in 3857 internally so distances are plain
// euclidean math; the document store stores "lon,lat[,elev]" strings in 4326.
package geo

import (
	"errors"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// ErrInvalidCoordinates is returned when a position string cannot be parsed.
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParsePosition parses a "lon,lat" or "lon,lat,elev" string into component
// values (EPSG:4326).
func ParsePosition(coords string) (lon, lat, elev float64, err error) {
	parts := strings.Split(coords, ",")
	if len(parts) < 2 {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	if len(parts) > 2 {
		elev, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return 0, 0, 0, ErrInvalidCoordinates
		}
	}
	return lon, lat, elev, nil
}

// Project3857 transforms a 4326 lon/lat pair into EPSG:3857 meters.
func Project3857(lon, lat float64) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(lon, lat, 0)
	return x, y
}

// Point3857 parses a position string and returns the projected point.
func Point3857(coords string) (geom.Point, error) {
	lon, lat, _, err := ParsePosition(coords)
	if err != nil {
		return geom.Point{}, err
	}
	x, y := Project3857(lon, lat)
	pt, err := geom.NewPoint(geom.Coordinates{
		XY: geom.XY{X: x, Y: y},
	})
	if err != nil {
		return geom.Point{}, ErrInvalidCoordinates
	}
	return pt, nil
}
