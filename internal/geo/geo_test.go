package geo

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition(t *testing.T) {
	tests := []struct {
		input              string
		wantLon, wantLat   float64
		wantElev           float64
		wantErr            bool
	}{
		{"13.4050,52.5200", 13.4050, 52.5200, 0, false},
		{"13.4050,52.5200,34.5", 13.4050, 52.5200, 34.5, false},
		{" 13.4050 , 52.5200 ", 13.4050, 52.5200, 0, false},
		{"13.4050", 0, 0, 0, true},
		{"abc,def", 0, 0, 0, true},
		{"13.4,52.5,xyz", 0, 0, 0, true},
		{"", 0, 0, 0, true},
	}

	for _, tt := range tests {
		lon, lat, elev, err := ParsePosition(tt.input)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidCoordinates, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.wantLon, lon)
		assert.Equal(t, tt.wantLat, lat)
		assert.Equal(t, tt.wantElev, elev)
	}
}

func TestProject3857(t *testing.T) {
	// Null Island projects to the origin.
	x, y := Project3857(0, 0)
	assert.InDelta(t, 0, x, 0.001)
	assert.InDelta(t, 0, y, 0.001)

	// One degree of longitude at the equator is ~111.3 km in web mercator.
	x, y = Project3857(1, 0)
	assert.InDelta(t, 111319.49, x, 1.0)
	assert.InDelta(t, 0, y, 0.001)
}

func TestPoint3857(t *testing.T) {
	pt, err := Point3857("1,0")
	require.NoError(t, err)
	xy, ok := pt.XY()
	require.True(t, ok)
	assert.InDelta(t, 111319.49, xy.X, 1.0)

	_, err = Point3857("not-a-position")
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestBoundsFromWKT_Contains(t *testing.T) {
	bounds, err := BoundsFromWKT("POLYGON((0 0,0 100,100 100,100 0,0 0))")
	require.NoError(t, err)

	assert.True(t, bounds.Contains(50, 50))
	assert.True(t, bounds.Contains(0, 0), "boundary counts as inside")
	assert.False(t, bounds.Contains(150, 50))
	assert.False(t, bounds.Contains(-1, -1))
}

func TestBoundsFromWKT_Invalid(t *testing.T) {
	_, err := BoundsFromWKT("POINT(1 1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polygon")

	_, err = BoundsFromWKT("not wkt at all")
	require.Error(t, err)
}

func TestContainsRejectsNonFiniteCoordinates(t *testing.T) {
	bounds, err := BoundsFromWKT("POLYGON((0 0,0 100,100 100,100 0,0 0))")
	require.NoError(t, err)

	assert.False(t, bounds.Contains(math.NaN(), 50))
	assert.False(t, bounds.Contains(50, math.Inf(1)))
}

func TestNilBoundsAcceptsEverything(t *testing.T) {
	var bounds *VenueBounds
	assert.True(t, bounds.Contains(1e9, 1e9))
}

func ExampleParsePosition() {
	lon, lat, _, _ := ParsePosition("13.4050,52.5200")
	fmt.Println(lon, lat)
	// Output: 13.405 52.52
}
