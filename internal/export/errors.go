package export

import (
	"errors"
	"fmt"
)

// ErrExportInFlight is returned when an export is requested while another
// one is still running
var ErrExportInFlight = errors.New("an export is already in flight")

// ValidationError reports a request rejected before the map surface was
// touched
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid export request: " + e.Reason
}

// CaptureError reports a failed viewport move or raster capture. Tile is
// the zero-based index into the capture schedule.
type CaptureError struct {
	Tile  int
	Total int
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capturing tile %d/%d: %v", e.Tile+1, e.Total, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// EncodeError reports a failed composite encode
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return "encoding composite: " + e.Err.Error()
}

func (e *EncodeError) Unwrap() error { return e.Err }

// RestoreError reports a failed restoration of the pre-export view. It is
// logged and never returned; restoration failures must not mask the export
// outcome.
type RestoreError struct {
	Err error
}

func (e *RestoreError) Error() string {
	return "restoring map view: " + e.Err.Error()
}

func (e *RestoreError) Unwrap() error { return e.Err }
