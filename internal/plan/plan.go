package plan

import (
	"fmt"
	"math"

	"github.com/kverran/mapsnap/pkg/geo"
)

// MaxOutputPixels caps the composite size
const MaxOutputPixels = 10000 * 10000

// Projector converts between geographic and projected pixel coordinates.
// The map surface satisfies this, as does geo.WebMercator.
type Projector interface {
	Project(p geo.Point, zoom int) (geo.PixelPoint, error)
	Unproject(px geo.PixelPoint, zoom int) (geo.Point, error)
}

// TileCenter is one capture placement: the geographic point the viewport
// must be centered on, plus its cell position in the output grid
type TileCenter struct {
	Row    int
	Col    int
	Center geo.Point
}

// Plan is the immutable capture schedule for a single export
type Plan struct {
	Bounds   geo.Bounds
	Zoom     int
	Viewport geo.ViewportSize

	TilesX int
	TilesY int

	// PixelOrigin is the north-west corner of the output in the
	// projected pixel plane at Zoom
	PixelOrigin geo.PixelPoint

	OutputWidth  int
	OutputHeight int

	// Centers is row-major: all columns of the northmost row first
	Centers []TileCenter
}

// Build computes the viewport grid covering bounds at the given zoom level.
// The grid always covers the full bounds, so the last column and row may
// extend past the requested area.
func Build(proj Projector, bounds geo.Bounds, zoom int, viewport geo.ViewportSize) (*Plan, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return nil, fmt.Errorf("viewport must be positive, got %dx%d", viewport.Width, viewport.Height)
	}

	pMin, err := proj.Project(bounds.SouthWest(), zoom)
	if err != nil {
		return nil, err
	}
	pMax, err := proj.Project(bounds.NorthEast(), zoom)
	if err != nil {
		return nil, err
	}

	// Pixel Y grows southward, so the vertical extent is pMin.Y - pMax.Y.
	totalWidth := pMax.X - pMin.X
	totalHeight := pMin.Y - pMax.Y
	if totalWidth <= 0 || totalHeight <= 0 {
		return nil, fmt.Errorf("bounds project to a degenerate area at zoom %d", zoom)
	}

	tilesX := int(math.Ceil(totalWidth / float64(viewport.Width)))
	tilesY := int(math.Ceil(totalHeight / float64(viewport.Height)))

	outputWidth := tilesX * viewport.Width
	outputHeight := tilesY * viewport.Height
	if int64(outputWidth)*int64(outputHeight) > MaxOutputPixels {
		return nil, fmt.Errorf("requested image size too large: %dx%d", outputWidth, outputHeight)
	}

	p := &Plan{
		Bounds:       bounds,
		Zoom:         zoom,
		Viewport:     viewport,
		TilesX:       tilesX,
		TilesY:       tilesY,
		PixelOrigin:  geo.PixelPoint{X: pMin.X, Y: pMax.Y},
		OutputWidth:  outputWidth,
		OutputHeight: outputHeight,
		Centers:      make([]TileCenter, 0, tilesX*tilesY),
	}

	for row := 0; row < tilesY; row++ {
		for col := 0; col < tilesX; col++ {
			cx := pMin.X + float64(col*viewport.Width) + float64(viewport.Width)/2
			cy := pMax.Y + float64(row*viewport.Height) + float64(viewport.Height)/2

			center, err := proj.Unproject(geo.PixelPoint{X: cx, Y: cy}, zoom)
			if err != nil {
				return nil, err
			}

			p.Centers = append(p.Centers, TileCenter{Row: row, Col: col, Center: center})
		}
	}

	return p, nil
}

// TileCount returns the number of captures the plan schedules
func (p *Plan) TileCount() int {
	return p.TilesX * p.TilesY
}

// Offset returns the top-left pixel position of a grid cell in the output
func (p *Plan) Offset(row, col int) (int, int) {
	return col * p.Viewport.Width, row * p.Viewport.Height
}
