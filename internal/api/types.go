package api

import "time"

// Healthy is the status reported by a live server
const Healthy = "healthy"

// Error codes carried in the error field of failure responses
const (
	CodeInvalidJSON       = "INVALID_JSON"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeCaptureFailed     = "CAPTURE_FAILED"
	CodeExportInFlight    = "EXPORT_IN_FLIGHT"
	CodeTileServerTimeout = "TILE_SERVER_TIMEOUT"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Bounds is a geographic bounding box in WGS84 degrees
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Viewport overrides the capture viewport size in pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ExportRequest is the payload of POST /export
type ExportRequest struct {
	Bounds  Bounds `json:"bounds"`
	Zoom    int    `json:"zoom"`
	TileURL string `json:"tile_url"`

	// Viewport overrides the server's default capture viewport
	Viewport *Viewport `json:"viewport,omitempty"`

	// SettleMs overrides the per-move settle delay in milliseconds
	SettleMs *int `json:"settle_ms,omitempty"`
}

// HealthResponse is the payload of GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    *int      `json:"uptime,omitempty"`
	Version   *string   `json:"version,omitempty"`
}

// ErrorResponse is the generic error envelope
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestID *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// FieldError describes a single invalid request field
type FieldError struct {
	Code    *string `json:"code,omitempty"`
	Field   string  `json:"field"`
	Message string  `json:"message"`
}

// ValidationErrorResponse is returned for rejected export requests
type ValidationErrorResponse struct {
	Error            string       `json:"error"`
	Message          string       `json:"message"`
	RequestID        *string      `json:"request_id,omitempty"`
	ValidationErrors []FieldError `json:"validation_errors"`
}

// CaptureErrorResponse reports which capture in the schedule failed
type CaptureErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	FailedTile int     `json:"failed_tile"`
	TotalTiles int     `json:"total_tiles"`
	RequestID  *string `json:"request_id,omitempty"`
}
