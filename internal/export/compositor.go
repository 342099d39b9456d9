package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/kverran/mapsnap/internal/plan"
)

// TileImage is one captured viewport together with its grid cell
type TileImage struct {
	Row   int
	Col   int
	Image image.Image
}

// Compositor assembles captured viewports into the output canvas. Place
// overwrites the destination cell, so placement order does not affect the
// result.
type Compositor struct {
	canvas *image.RGBA
	tileW  int
	tileH  int
	tilesX int
	tilesY int
	filled []bool
	placed int
}

// NewCompositor allocates the output canvas for a plan
func NewCompositor(p *plan.Plan) *Compositor {
	return &Compositor{
		canvas: image.NewRGBA(image.Rect(0, 0, p.OutputWidth, p.OutputHeight)),
		tileW:  p.Viewport.Width,
		tileH:  p.Viewport.Height,
		tilesX: p.TilesX,
		tilesY: p.TilesY,
		filled: make([]bool, p.TileCount()),
	}
}

// Place copies a captured tile into its grid cell
func (c *Compositor) Place(t TileImage) error {
	if t.Image == nil {
		return fmt.Errorf("place tile (%d,%d): nil image", t.Row, t.Col)
	}
	if t.Row < 0 || t.Row >= c.tilesY || t.Col < 0 || t.Col >= c.tilesX {
		return fmt.Errorf("place tile (%d,%d): outside %dx%d grid", t.Row, t.Col, c.tilesX, c.tilesY)
	}

	b := t.Image.Bounds()
	if b.Dx() != c.tileW || b.Dy() != c.tileH {
		return fmt.Errorf("place tile (%d,%d): got %dx%d, expected %dx%d",
			t.Row, t.Col, b.Dx(), b.Dy(), c.tileW, c.tileH)
	}

	dst := image.Point{X: t.Col * c.tileW, Y: t.Row * c.tileH}
	xdraw.Copy(c.canvas, dst, t.Image, b, xdraw.Src, nil)

	idx := t.Row*c.tilesX + t.Col
	if !c.filled[idx] {
		c.filled[idx] = true
		c.placed++
	}

	return nil
}

// Placed returns how many distinct cells have received a tile
func (c *Compositor) Placed() int {
	return c.placed
}

// Complete reports whether every cell has received a tile
func (c *Compositor) Complete() bool {
	return c.placed == len(c.filled)
}

// Finalize encodes the composite as PNG. It fails while any cell is still
// empty.
func (c *Compositor) Finalize() ([]byte, error) {
	if !c.Complete() {
		return nil, fmt.Errorf("composite incomplete: %d/%d tiles placed", c.placed, len(c.filled))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, c.canvas); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
