package surface

import (
	"image"

	"github.com/fogleman/gg"

	"github.com/kverran/mapsnap/pkg/geo"
)

// drawSelection paints the translucent selection rectangle the way the
// on-screen widget shows it
func (s *TileSurface) drawSelection(canvas *image.RGBA, b geo.Bounds) error {
	c, err := geo.Project(s.view.Center, s.view.Zoom)
	if err != nil {
		return err
	}
	sw, err := geo.Project(b.SouthWest(), s.view.Zoom)
	if err != nil {
		return err
	}
	ne, err := geo.Project(b.NorthEast(), s.view.Zoom)
	if err != nil {
		return err
	}

	originX := c.X - float64(s.viewport.Width)/2
	originY := c.Y - float64(s.viewport.Height)/2

	dc := gg.NewContextForRGBA(canvas)
	dc.DrawRectangle(sw.X-originX, ne.Y-originY, ne.X-sw.X, sw.Y-ne.Y)
	dc.SetRGBA(0.20, 0.45, 0.95, 0.15)
	dc.FillPreserve()
	dc.SetRGBA(0.20, 0.45, 0.95, 0.85)
	dc.SetLineWidth(2)
	dc.Stroke()

	return nil
}

// drawChrome paints the widget furniture that never belongs in an export:
// the zoom control and the attribution badge
func (s *TileSurface) drawChrome(canvas *image.RGBA) {
	dc := gg.NewContextForRGBA(canvas)
	w := float64(s.viewport.Width)
	h := float64(s.viewport.Height)

	// Zoom control, top-left.
	dc.SetRGBA(1, 1, 1, 0.9)
	dc.DrawRectangle(10, 10, 28, 56)
	dc.Fill()
	dc.SetRGBA(0.2, 0.2, 0.2, 1)
	dc.SetLineWidth(1)
	dc.DrawLine(10, 38, 38, 38)
	dc.Stroke()
	dc.DrawStringAnchored("+", 24, 24, 0.5, 0.5)
	dc.DrawStringAnchored("-", 24, 52, 0.5, 0.5)

	// Attribution badge, bottom-right.
	if s.attribution != "" {
		tw, th := dc.MeasureString(s.attribution)
		const pad = 4.0
		dc.SetRGBA(1, 1, 1, 0.75)
		dc.DrawRectangle(w-tw-2*pad, h-th-2*pad, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetRGBA(0.15, 0.15, 0.15, 1)
		dc.DrawString(s.attribution, w-tw-pad, h-pad-2)
	}
}
