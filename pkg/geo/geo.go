package geo

import (
	"fmt"
	"math"
)

const (
	// TileSize is the edge length of one basemap tile in pixels
	TileSize = 256

	// MaxLatitude is the Web Mercator latitude limit; the projection
	// diverges beyond it
	MaxLatitude = 85.051129
	MinLatitude = -85.051129

	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Point is a geographic coordinate in WGS84 degrees
type Point struct {
	Lat float64
	Lon float64
}

// PixelPoint is a position in the projected pixel plane at some zoom level.
// The origin sits at the north-west corner of the world; Y grows southward.
type PixelPoint struct {
	X float64
	Y float64
}

// Bounds is a geographic bounding box
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// ViewportSize is the viewport extent in pixels
type ViewportSize struct {
	Width  int
	Height int
}

// Validate checks that the bounds describe a usable, non-degenerate area
func (b Bounds) Validate() error {
	if !isFinite(b.North) || !isFinite(b.South) || !isFinite(b.East) || !isFinite(b.West) {
		return fmt.Errorf("bounds contain non-finite coordinates")
	}
	if b.South < MinLatitude || b.North > MaxLatitude {
		return fmt.Errorf("latitude must be between %v and %v", MinLatitude, MaxLatitude)
	}
	if b.West < MinLongitude || b.East > MaxLongitude {
		return fmt.Errorf("longitude must be between %v and %v", MinLongitude, MaxLongitude)
	}
	if b.North <= b.South {
		return fmt.Errorf("north (%v) must be greater than south (%v)", b.North, b.South)
	}
	if b.East <= b.West {
		return fmt.Errorf("east (%v) must be greater than west (%v)", b.East, b.West)
	}
	return nil
}

// SouthWest returns the south-west corner of the bounds
func (b Bounds) SouthWest() Point {
	return Point{Lat: b.South, Lon: b.West}
}

// NorthEast returns the north-east corner of the bounds
func (b Bounds) NorthEast() Point {
	return Point{Lat: b.North, Lon: b.East}
}

// Center returns the geographic midpoint of the bounds
func (b Bounds) Center() Point {
	return Point{
		Lat: (b.South + b.North) / 2,
		Lon: (b.West + b.East) / 2,
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampLat(lat float64) float64 {
	return math.Min(math.Max(lat, MinLatitude), MaxLatitude)
}
