package export

import (
	"bytes"
	"fmt"

	"github.com/kverran/mapsnap/internal/plan"
	"github.com/kverran/mapsnap/pkg/geo"
)

// WorldFile renders the six-line ESRI world file georeferencing a finished
// export in Spherical Mercator meters (EPSG:3857)
func WorldFile(p *plan.Plan) ([]byte, error) {
	topLeft, err := geo.Unproject(p.PixelOrigin, p.Zoom)
	if err != nil {
		return nil, err
	}
	bottomRight, err := geo.Unproject(geo.PixelPoint{
		X: p.PixelOrigin.X + float64(p.OutputWidth),
		Y: p.PixelOrigin.Y + float64(p.OutputHeight),
	}, p.Zoom)
	if err != nil {
		return nil, err
	}

	minX, maxY := geo.MercatorMeters(topLeft)
	maxX, minY := geo.MercatorMeters(bottomRight)

	px := (maxX - minX) / float64(p.OutputWidth)
	py := (maxY - minY) / float64(p.OutputHeight)

	// Line order: pixel size x, rotation, rotation, negative pixel size y,
	// top left x, top left y.
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", px)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", -py)
	fmt.Fprintf(&buf, "%24.10f\n", minX)
	fmt.Fprintf(&buf, "%24.10f\n", maxY)

	return buf.Bytes(), nil
}
