package surface

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"github.com/kverran/mapsnap/internal/basemap"
	"github.com/kverran/mapsnap/pkg/geo"
)

// background fills viewport areas with no imagery, matching the neutral
// canvas of the on-screen widget
var background = color.RGBA{R: 0xDD, G: 0xDD, B: 0xDD, A: 0xFF}

// Options configures a TileSurface
type Options struct {
	Viewport geo.ViewportSize
	Fetcher  *basemap.Fetcher

	// View is the initial camera position
	View View

	// Attribution is the badge text drawn when chrome is included
	Attribution string

	Logger zerolog.Logger
}

// TileSurface is a Surface backed by a slippy-map tile service. It renders
// the viewport from basemap tiles and draws the same furniture a map widget
// shows: a zoom control and an attribution badge.
type TileSurface struct {
	mu          sync.Mutex
	view        View
	overlay     *geo.Bounds
	settle      *settleState
	viewport    geo.ViewportSize
	fetcher     *basemap.Fetcher
	attribution string
	log         zerolog.Logger
}

var (
	_ Surface = (*TileSurface)(nil)
	_ Settler = (*TileSurface)(nil)
)

// settleState tracks one pending tile prefetch
type settleState struct {
	done chan struct{}
	err  error
}

func settledState() *settleState {
	done := make(chan struct{})
	close(done)
	return &settleState{done: done}
}

// NewTileSurface creates a surface rendering from the given fetcher
func NewTileSurface(opts Options) (*TileSurface, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("tile fetcher is required")
	}
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		return nil, fmt.Errorf("viewport must be positive, got %dx%d", opts.Viewport.Width, opts.Viewport.Height)
	}

	return &TileSurface{
		view:        opts.View,
		settle:      settledState(),
		viewport:    opts.Viewport,
		fetcher:     opts.Fetcher,
		attribution: opts.Attribution,
		log:         opts.Logger,
	}, nil
}

// View returns the current camera position
func (s *TileSurface) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// ViewportSize returns the drawable extent in pixels
func (s *TileSurface) ViewportSize() geo.ViewportSize {
	return s.viewport
}

// Project converts a geographic point to pixel coordinates at zoom
func (s *TileSurface) Project(p geo.Point, zoom int) (geo.PixelPoint, error) {
	return geo.Project(p, zoom)
}

// Unproject converts pixel coordinates at zoom to a geographic point
func (s *TileSurface) Unproject(px geo.PixelPoint, zoom int) (geo.Point, error) {
	return geo.Unproject(px, zoom)
}

// MoveTo jumps the camera to v and starts loading the newly visible tiles.
// It returns immediately; WaitSettled reports when loading has finished.
func (s *TileSurface) MoveTo(ctx context.Context, v View) error {
	g, err := viewportGridFor(v, s.viewport)
	if err != nil {
		return fmt.Errorf("move to (%v, %v): %w", v.Center.Lat, v.Center.Lon, err)
	}

	st := &settleState{done: make(chan struct{})}

	s.mu.Lock()
	s.view = v
	s.settle = st
	s.mu.Unlock()

	s.log.Debug().
		Float64("lat", v.Center.Lat).
		Float64("lon", v.Center.Lon).
		Int("zoom", v.Zoom).
		Msg("viewport moved")

	go func() {
		st.err = s.fetcher.Prefetch(ctx, g.tiles())
		close(st.done)
	}()

	return nil
}

// WaitSettled blocks until the tiles for the current view finished loading
func (s *TileSurface) WaitSettled(ctx context.Context) error {
	s.mu.Lock()
	st := s.settle
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-st.done:
		return st.err
	}
}

// SelectionOverlay returns the active selection rectangle, if any
func (s *TileSurface) SelectionOverlay() (geo.Bounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay == nil {
		return geo.Bounds{}, false
	}
	return *s.overlay, true
}

// SetSelectionOverlay displays a selection rectangle
func (s *TileSurface) SetSelectionOverlay(b geo.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = &b
}

// ClearSelectionOverlay removes the selection rectangle
func (s *TileSurface) ClearSelectionOverlay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = nil
}

// Snapshot rasterizes the current viewport. The zero options capture map
// imagery only; chrome and overlays are opt-in layers.
func (s *TileSurface) Snapshot(ctx context.Context, opts SnapshotOptions) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canvas := image.NewRGBA(image.Rect(0, 0, s.viewport.Width, s.viewport.Height))
	xdraw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: background}, image.Point{}, xdraw.Src)

	if err := s.renderBasemap(ctx, canvas); err != nil {
		return nil, err
	}

	if opts.IncludeOverlays && s.overlay != nil {
		if err := s.drawSelection(canvas, *s.overlay); err != nil {
			return nil, err
		}
	}

	if opts.IncludeChrome {
		s.drawChrome(canvas)
	}

	return canvas, nil
}

func (s *TileSurface) renderBasemap(ctx context.Context, canvas *image.RGBA) error {
	g, err := viewportGridFor(s.view, s.viewport)
	if err != nil {
		return err
	}

	for row := g.row0; row < g.row1; row++ {
		// Above and below the projected world there is nothing to draw.
		if row < 0 || row >= g.worldTiles {
			continue
		}
		for col := g.col0; col < g.col1; col++ {
			img, err := s.fetcher.Fetch(ctx, basemap.TileID{Z: s.view.Zoom, X: col, Y: row})
			if err != nil {
				return fmt.Errorf("render viewport: %w", err)
			}

			x := int(math.Round(float64(col)*geo.TileSize - g.originX))
			y := int(math.Round(float64(row)*geo.TileSize - g.originY))
			xdraw.Copy(canvas, image.Point{X: x, Y: y}, img, img.Bounds(), xdraw.Over, nil)
		}
	}

	return nil
}

// viewportGrid is the basemap tile range intersecting one viewport
type viewportGrid struct {
	zoom             int
	originX, originY float64
	col0, row0       int
	col1, row1       int
	worldTiles       int
}

func viewportGridFor(v View, viewport geo.ViewportSize) (viewportGrid, error) {
	if v.Zoom < 0 {
		return viewportGrid{}, fmt.Errorf("negative zoom %d", v.Zoom)
	}

	c, err := geo.Project(v.Center, v.Zoom)
	if err != nil {
		return viewportGrid{}, err
	}

	originX := c.X - float64(viewport.Width)/2
	originY := c.Y - float64(viewport.Height)/2

	return viewportGrid{
		zoom:       v.Zoom,
		originX:    originX,
		originY:    originY,
		col0:       int(math.Floor(originX / geo.TileSize)),
		row0:       int(math.Floor(originY / geo.TileSize)),
		col1:       int(math.Ceil((originX + float64(viewport.Width)) / geo.TileSize)),
		row1:       int(math.Ceil((originY + float64(viewport.Height)) / geo.TileSize)),
		worldTiles: 1 << v.Zoom,
	}, nil
}

// tiles lists the fetchable tile IDs in the grid, X wrapped, polar
// out-of-range rows skipped
func (g viewportGrid) tiles() []basemap.TileID {
	var ids []basemap.TileID
	for row := g.row0; row < g.row1; row++ {
		if row < 0 || row >= g.worldTiles {
			continue
		}
		for col := g.col0; col < g.col1; col++ {
			ids = append(ids, basemap.TileID{Z: g.zoom, X: col, Y: row}.WrapX())
		}
	}
	return ids
}
