package surface

import (
	"context"
	"image"

	"github.com/kverran/mapsnap/pkg/geo"
)

// View is a map surface camera position: center plus zoom level
type View struct {
	Center geo.Point
	Zoom   int
}

// SnapshotOptions selects which layers a snapshot includes. The zero value
// captures basemap imagery only, which is what exports want.
type SnapshotOptions struct {
	// IncludeChrome adds the attribution badge and zoom control
	IncludeChrome bool

	// IncludeOverlays adds the selection overlay
	IncludeOverlays bool
}

// Surface is the map widget capability the export pipeline drives.
// Implementations must reposition instantly on MoveTo, with no animated
// transition.
type Surface interface {
	// View returns the current camera position
	View() View

	// MoveTo jumps the camera to v. Rendering may complete
	// asynchronously; see Settler.
	MoveTo(ctx context.Context, v View) error

	// ViewportSize returns the drawable viewport extent in pixels
	ViewportSize() geo.ViewportSize

	// Project converts a geographic point to pixel coordinates at the
	// given zoom level
	Project(p geo.Point, zoom int) (geo.PixelPoint, error)

	// Unproject converts pixel coordinates at the given zoom level back
	// to a geographic point
	Unproject(px geo.PixelPoint, zoom int) (geo.Point, error)

	// Snapshot rasterizes the current viewport
	Snapshot(ctx context.Context, opts SnapshotOptions) (image.Image, error)

	// SelectionOverlay returns the active selection rectangle, if any
	SelectionOverlay() (geo.Bounds, bool)

	// SetSelectionOverlay displays a selection rectangle
	SetSelectionOverlay(b geo.Bounds)

	// ClearSelectionOverlay removes the selection rectangle
	ClearSelectionOverlay()
}

// Settler is implemented by surfaces that can report when pending rendering
// has finished. The export sequencer prefers it over a fixed settle delay.
type Settler interface {
	WaitSettled(ctx context.Context) error
}
