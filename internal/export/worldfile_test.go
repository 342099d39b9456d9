package export

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kverran/mapsnap/internal/plan"
	"github.com/kverran/mapsnap/pkg/geo"
)

func TestWorldFile(t *testing.T) {
	const zoom = 15
	viewport := geo.ViewportSize{Width: 400, Height: 300}
	bounds := pixelBounds(t, geo.Point{Lat: 48.13, Lon: 11.56}, zoom, 1.5*400, 1.5*300)

	p, err := plan.Build(geo.WebMercator{}, bounds, zoom, viewport)
	require.NoError(t, err)

	data, err := WorldFile(p)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 6)

	vals := make([]float64, 6)
	for i, line := range lines {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		require.NoError(t, err, "line %d", i+1)
		vals[i] = v
	}

	// Mercator pixels are square, so both pixel sizes equal the meters
	// per pixel at the export zoom.
	metersPerPixel := 2 * 20037508.342789244 / geo.WorldSize(zoom)
	assert.InDelta(t, metersPerPixel, vals[0], 1e-6)
	assert.Equal(t, 0.0, vals[1])
	assert.Equal(t, 0.0, vals[2])
	assert.InDelta(t, -metersPerPixel, vals[3], 1e-6)

	// The origin is the north-west corner of the composite in meters.
	topLeft, err := geo.Unproject(p.PixelOrigin, zoom)
	require.NoError(t, err)
	wantX, wantY := geo.MercatorMeters(topLeft)
	assert.InDelta(t, wantX, vals[4], 1e-4)
	assert.InDelta(t, wantY, vals[5], 1e-4)
}

func TestArtifactFilename(t *testing.T) {
	ts := time.Date(2026, 1, 14, 9, 3, 5, 0, time.UTC)
	assert.Equal(t, "mapsnap_20260114T090305Z.png", ArtifactFilename(ts))

	// Local timestamps are normalized to UTC.
	local := time.Date(2026, 1, 14, 10, 3, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "mapsnap_20260114T090305Z.png", ArtifactFilename(local))
}
