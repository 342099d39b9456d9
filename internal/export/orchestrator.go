package export

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kverran/mapsnap/internal/plan"
	"github.com/kverran/mapsnap/internal/surface"
	"github.com/kverran/mapsnap/pkg/geo"
)

// State is the exporter lifecycle phase
type State int32

const (
	StateIdle State = iota
	StatePlanning
	StateExporting
	StateRestoring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateExporting:
		return "exporting"
	case StateRestoring:
		return "restoring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default export zoom bounds
const (
	DefaultMinZoom = 15
	DefaultMaxZoom = 19
)

// Progress reports capture advancement during a running export
type Progress struct {
	Captured int
	Total    int
	Status   string
}

// Result is a finished export artifact
type Result struct {
	PNG      []byte
	Filename string
	Plan     *plan.Plan
	Elapsed  time.Duration
}

// Options configures an Exporter
type Options struct {
	// SettleDelay is the wait after each viewport move for surfaces that
	// cannot report render completion. Zero selects DefaultSettleDelay.
	SettleDelay time.Duration

	// MinZoom and MaxZoom bound the accepted export zoom. Zeros select
	// the 15..19 default range.
	MinZoom int
	MaxZoom int

	// OnProgress, if set, is called after every placed tile
	OnProgress func(Progress)

	// OnState, if set, is called on every state transition
	OnState func(State)

	Logger zerolog.Logger
}

// session is the surface state an export must put back afterwards
type session struct {
	view       surface.View
	overlay    geo.Bounds
	hadOverlay bool
}

// Exporter turns a bounds selection into a single stitched PNG. One export
// runs at a time; requests arriving while one is in flight are rejected.
type Exporter struct {
	surf  surface.Surface
	seq   *Sequencer
	ras   *Rasterizer
	opts  Options
	state atomic.Int32
}

// New creates an exporter driving the given surface
func New(surf surface.Surface, opts Options) *Exporter {
	if opts.MinZoom == 0 {
		opts.MinZoom = DefaultMinZoom
	}
	if opts.MaxZoom == 0 {
		opts.MaxZoom = DefaultMaxZoom
	}

	e := &Exporter{
		surf: surf,
		seq:  NewSequencer(surf, opts.SettleDelay),
		ras:  NewRasterizer(surf),
		opts: opts,
	}
	e.state.Store(int32(StateIdle))

	return e
}

// State returns the current lifecycle phase
func (e *Exporter) State() State {
	return State(e.state.Load())
}

// Export captures bounds at the given zoom and returns the stitched PNG.
// The surface is put back to its pre-export view and overlay state on both
// success and failure.
func (e *Exporter) Export(ctx context.Context, bounds geo.Bounds, zoom int) (*Result, error) {
	if err := e.validate(bounds, zoom); err != nil {
		return nil, err
	}
	if err := e.arm(); err != nil {
		return nil, err
	}

	start := time.Now()
	log := e.opts.Logger
	e.setState(StatePlanning)

	// Save whatever the user was looking at before the exporter starts
	// driving the camera.
	sess := session{view: e.surf.View()}
	if overlay, ok := e.surf.SelectionOverlay(); ok {
		sess.overlay = overlay
		sess.hadOverlay = true
		e.surf.ClearSelectionOverlay()
	}

	p, err := plan.Build(e.surf, bounds, zoom, e.surf.ViewportSize())
	if err != nil {
		return nil, e.fail(ctx, sess, &ValidationError{Reason: err.Error()})
	}

	log.Info().
		Int("tiles_x", p.TilesX).
		Int("tiles_y", p.TilesY).
		Int("width", p.OutputWidth).
		Int("height", p.OutputHeight).
		Int("zoom", zoom).
		Msg("export planned")

	e.setState(StateExporting)
	comp := NewCompositor(p)
	total := p.TileCount()

	for i, tc := range p.Centers {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(ctx, sess, &CaptureError{Tile: i, Total: total, Err: err})
		}

		v := surface.View{Center: tc.Center, Zoom: zoom}
		if err := e.seq.MoveTo(ctx, v); err != nil {
			return nil, e.fail(ctx, sess, &CaptureError{Tile: i, Total: total, Err: err})
		}

		tile, err := e.ras.Capture(ctx, tc.Row, tc.Col)
		if err != nil {
			return nil, e.fail(ctx, sess, &CaptureError{Tile: i, Total: total, Err: err})
		}

		if err := comp.Place(tile); err != nil {
			return nil, e.fail(ctx, sess, &CaptureError{Tile: i, Total: total, Err: err})
		}

		e.progress(i+1, total)
		log.Debug().Int("tile", i+1).Int("total", total).Msg("tile captured")
	}

	e.setState(StateRestoring)
	e.restore(ctx, sess)

	data, err := comp.Finalize()
	if err != nil {
		e.setState(StateFailed)
		encodeErr := &EncodeError{Err: err}
		log.Error().Err(encodeErr).Msg("export failed")
		return nil, encodeErr
	}

	res := &Result{
		PNG:      data,
		Filename: ArtifactFilename(time.Now()),
		Plan:     p,
		Elapsed:  time.Since(start),
	}

	e.setState(StateDone)
	log.Info().
		Str("filename", res.Filename).
		Int("bytes", len(res.PNG)).
		Dur("elapsed", res.Elapsed).
		Msg("export finished")

	return res, nil
}

// validate rejects bad requests before any surface state is touched
func (e *Exporter) validate(bounds geo.Bounds, zoom int) error {
	if err := bounds.Validate(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if zoom < e.opts.MinZoom || zoom > e.opts.MaxZoom {
		return &ValidationError{
			Reason: fmt.Sprintf("zoom %d outside supported range %d..%d", zoom, e.opts.MinZoom, e.opts.MaxZoom),
		}
	}
	return nil
}

// arm claims the exporter for one run. Done and Failed are rest states, a
// new request re-arms from them; a live run rejects the request.
func (e *Exporter) arm() error {
	for {
		st := State(e.state.Load())
		if st != StateIdle && st != StateDone && st != StateFailed {
			return ErrExportInFlight
		}
		if e.state.CompareAndSwap(int32(st), int32(StatePlanning)) {
			return nil
		}
	}
}

func (e *Exporter) setState(s State) {
	e.state.Store(int32(s))
	if e.opts.OnState != nil {
		e.opts.OnState(s)
	}
}

func (e *Exporter) progress(captured, total int) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(Progress{
			Captured: captured,
			Total:    total,
			Status:   fmt.Sprintf("captured tile %d/%d", captured, total),
		})
	}
}

// fail restores the surface and parks the exporter in the failed state
func (e *Exporter) fail(ctx context.Context, sess session, err error) error {
	e.opts.Logger.Error().Err(err).Msg("export failed")
	e.setState(StateRestoring)
	e.restore(ctx, sess)
	e.setState(StateFailed)
	return err
}

// restore puts the camera and selection overlay back. Failures here are
// logged and swallowed: restoration must not change the export outcome.
func (e *Exporter) restore(ctx context.Context, sess session) {
	// Restoration still runs when the export itself was cancelled.
	ctx = context.WithoutCancel(ctx)

	if err := e.surf.MoveTo(ctx, sess.view); err != nil {
		e.opts.Logger.Warn().Err(&RestoreError{Err: err}).Msg("could not restore map view")
	}
	if sess.hadOverlay {
		e.surf.SetSelectionOverlay(sess.overlay)
	}
}
