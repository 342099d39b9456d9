package export

import (
	"context"
	"fmt"

	"github.com/kverran/mapsnap/internal/surface"
)

// Rasterizer captures the current viewport as an image. Captures request
// map imagery only: no chrome, no overlays.
type Rasterizer struct {
	surf surface.Surface
}

// NewRasterizer creates a rasterizer for the given surface
func NewRasterizer(surf surface.Surface) *Rasterizer {
	return &Rasterizer{surf: surf}
}

// Capture snapshots the viewport for the given grid cell
func (r *Rasterizer) Capture(ctx context.Context, row, col int) (TileImage, error) {
	img, err := r.surf.Snapshot(ctx, surface.SnapshotOptions{})
	if err != nil {
		return TileImage{}, err
	}
	if img == nil {
		return TileImage{}, fmt.Errorf("surface returned no image")
	}

	want := r.surf.ViewportSize()
	if b := img.Bounds(); b.Dx() != want.Width || b.Dy() != want.Height {
		return TileImage{}, fmt.Errorf("snapshot is %dx%d, viewport is %dx%d",
			b.Dx(), b.Dy(), want.Width, want.Height)
	}

	return TileImage{Row: row, Col: col, Image: img}, nil
}
