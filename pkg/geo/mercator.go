package geo

import (
	"fmt"
	"math"
)

// WorldSize returns the edge length in pixels of the full projected world
// at the given zoom level
func WorldSize(zoom int) float64 {
	return TileSize * math.Exp2(float64(zoom))
}

// Project converts a geographic point to absolute pixel coordinates at the
// given zoom level. Latitude is clamped to the Web Mercator limits.
// https://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
func Project(p Point, zoom int) (PixelPoint, error) {
	if !isFinite(p.Lat) || !isFinite(p.Lon) {
		return PixelPoint{}, fmt.Errorf("project: non-finite point (%v, %v)", p.Lat, p.Lon)
	}
	if zoom < 0 {
		return PixelPoint{}, fmt.Errorf("project: negative zoom %d", zoom)
	}

	latRad := clampLat(p.Lat) * math.Pi / 180
	world := WorldSize(zoom)

	x := world * (p.Lon + 180) / 360
	y := world * (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2

	return PixelPoint{X: x, Y: y}, nil
}

// Unproject converts absolute pixel coordinates at the given zoom level
// back to a geographic point
func Unproject(px PixelPoint, zoom int) (Point, error) {
	if !isFinite(px.X) || !isFinite(px.Y) {
		return Point{}, fmt.Errorf("unproject: non-finite pixel (%v, %v)", px.X, px.Y)
	}
	if zoom < 0 {
		return Point{}, fmt.Errorf("unproject: negative zoom %d", zoom)
	}

	world := WorldSize(zoom)
	lon := px.X/world*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*px.Y/world)))

	return Point{Lat: latRad * 180 / math.Pi, Lon: lon}, nil
}

// MercatorMeters converts a geographic point to XY in Spherical Mercator
// meters (EPSG:3857)
func MercatorMeters(p Point) (float64, float64) {
	const originShift = 20037508.342789244 // 2 * pi * 6378137 / 2
	x := p.Lon * originShift / 180
	y := math.Log(math.Tan((90+clampLat(p.Lat))*math.Pi/360)) / (math.Pi / 180)
	y = y * originShift / 180

	return x, y
}

// WebMercator implements the standard spherical Mercator projection used by
// slippy-map tile services. It satisfies the projector interfaces consumed
// by the planner and the map surface.
type WebMercator struct{}

func (WebMercator) Project(p Point, zoom int) (PixelPoint, error) {
	return Project(p, zoom)
}

func (WebMercator) Unproject(px PixelPoint, zoom int) (Point, error) {
	return Unproject(px, zoom)
}
