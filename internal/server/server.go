package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kverran/mapsnap/internal/api"
	"github.com/kverran/mapsnap/internal/basemap"
	"github.com/kverran/mapsnap/internal/export"
	"github.com/kverran/mapsnap/internal/surface"
	"github.com/kverran/mapsnap/pkg/geo"
)

// DefaultViewport is the capture viewport used when neither the server
// config nor the request picks one
var DefaultViewport = geo.ViewportSize{Width: 1280, Height: 800}

// Config tunes how the server builds the per-request export pipeline
type Config struct {
	// DefaultViewport is the capture viewport for requests without an
	// explicit viewport override
	DefaultViewport geo.ViewportSize

	// SettleDelay is the post-move wait for surfaces that cannot report
	// render completion
	SettleDelay time.Duration

	// UserAgent identifies outgoing tile requests
	UserAgent string

	// CacheSize is the per-request decoded tile cache capacity
	CacheSize int

	// MaxConcurrent bounds parallel tile downloads
	MaxConcurrent int64
}

// Server handles the map export API
type Server struct {
	startTime time.Time
	version   string
	cfg       Config
	log       zerolog.Logger

	// exporting serializes capture runs; a request arriving while one is
	// live is answered with 409 rather than queued
	exporting atomic.Bool
}

// NewServer creates a new server instance
func NewServer(version string, cfg Config, log zerolog.Logger) *Server {
	if cfg.DefaultViewport.Width <= 0 || cfg.DefaultViewport.Height <= 0 {
		cfg.DefaultViewport = DefaultViewport
	}

	return &Server{
		startTime: time.Now(),
		version:   version,
		cfg:       cfg,
		log:       log,
	}
}

// Routes returns the router carrying all API endpoints
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.GetHealth)
	r.Post("/export", s.CreateExport)
	return r
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now().UTC(),
		Uptime:    &uptime,
		Version:   &s.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error().Err(err).Msg("error encoding health response")
	}
}

// CreateExport implements the export endpoint. The capture pipeline is
// assembled per request, so every export gets its own tile cache and
// surface; the response body is the stitched PNG.
func (s *Server) CreateExport(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()
	log := s.log.With().Str("request_id", requestID).Logger()

	var req api.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.CodeInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	if fieldErrors := s.validateExportRequest(&req); len(fieldErrors) > 0 {
		log.Warn().Int("field_errors", len(fieldErrors)).Msg("export request rejected")
		s.writeValidationErrorResponse(w, fieldErrors, &requestID)
		return
	}

	// One capture run at a time; the surface camera cannot serve two
	// exports at once.
	if !s.exporting.CompareAndSwap(false, true) {
		s.writeErrorResponse(w, http.StatusConflict, api.CodeExportInFlight,
			"Another export is currently running", &requestID, nil)
		return
	}
	defer s.exporting.Store(false)

	bounds := geo.Bounds{
		North: req.Bounds.North,
		South: req.Bounds.South,
		East:  req.Bounds.East,
		West:  req.Bounds.West,
	}

	exp, err := s.buildExporter(&req, bounds, log)
	if err != nil {
		log.Error().Err(err).Msg("error assembling export pipeline")
		s.writeErrorResponse(w, http.StatusInternalServerError, api.CodeInternalError,
			"Internal server error", &requestID, nil)
		return
	}

	log.Info().
		Float64("north", bounds.North).
		Float64("south", bounds.South).
		Float64("east", bounds.East).
		Float64("west", bounds.West).
		Int("zoom", req.Zoom).
		Msg("export started")

	result, err := exp.Export(r.Context(), bounds, req.Zoom)
	if err != nil {
		s.handleExportError(w, err, &requestID)
		return
	}

	log.Info().
		Str("filename", result.Filename).
		Int("bytes", len(result.PNG)).
		Dur("elapsed", result.Elapsed).
		Msg("export complete")

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.PNG)))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.PNG); err != nil {
		log.Error().Err(err).Msg("error writing response")
	}
}

// buildExporter wires fetcher, surface and exporter for one request
func (s *Server) buildExporter(req *api.ExportRequest, bounds geo.Bounds, log zerolog.Logger) (*export.Exporter, error) {
	fetcher, err := basemap.New(basemap.Options{
		URLTemplate:   req.TileURL,
		UserAgent:     s.cfg.UserAgent,
		CacheSize:     s.cfg.CacheSize,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Logger:        log.With().Str("module", "basemap").Logger(),
	})
	if err != nil {
		return nil, err
	}

	viewport := s.cfg.DefaultViewport
	if req.Viewport != nil {
		viewport = geo.ViewportSize{Width: req.Viewport.Width, Height: req.Viewport.Height}
	}

	surf, err := surface.NewTileSurface(surface.Options{
		Viewport: viewport,
		Fetcher:  fetcher,
		View:     surface.View{Center: bounds.Center(), Zoom: req.Zoom},
		Logger:   log.With().Str("module", "surface").Logger(),
	})
	if err != nil {
		return nil, err
	}

	settle := s.cfg.SettleDelay
	if req.SettleMs != nil {
		settle = time.Duration(*req.SettleMs) * time.Millisecond
	}

	return export.New(surf, export.Options{
		SettleDelay: settle,
		Logger:      log.With().Str("module", "export").Logger(),
	}), nil
}

// validateExportRequest validates the incoming export request
func (s *Server) validateExportRequest(req *api.ExportRequest) []api.FieldError {
	var fieldErrors []api.FieldError

	b := req.Bounds
	if b.North > geo.MaxLatitude || b.South < geo.MinLatitude {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "bounds",
			Message: fmt.Sprintf("latitude must be between %v and %v", geo.MinLatitude, geo.MaxLatitude),
		})
	}
	if b.West < geo.MinLongitude || b.East > geo.MaxLongitude {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "bounds",
			Message: fmt.Sprintf("longitude must be between %v and %v", geo.MinLongitude, geo.MaxLongitude),
		})
	}
	if b.North <= b.South {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "bounds",
			Message: "north must be greater than south",
		})
	}
	if b.East <= b.West {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "bounds",
			Message: "east must be greater than west",
		})
	}

	if req.Zoom < export.DefaultMinZoom || req.Zoom > export.DefaultMaxZoom {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "zoom",
			Message: fmt.Sprintf("zoom must be between %d and %d", export.DefaultMinZoom, export.DefaultMaxZoom),
		})
	}

	if req.TileURL == "" {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "tile_url",
			Message: "tile_url is required",
		})
	} else if !strings.Contains(req.TileURL, "{z}") ||
		!strings.Contains(req.TileURL, "{x}") ||
		!strings.Contains(req.TileURL, "{y}") {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "tile_url",
			Message: "tile_url must contain {z}, {x}, and {y} placeholders",
		})
	}

	if v := req.Viewport; v != nil {
		if v.Width <= 0 || v.Height <= 0 {
			fieldErrors = append(fieldErrors, api.FieldError{
				Field:   "viewport",
				Message: "viewport width and height must be positive",
			})
		} else if v.Width > 4096 || v.Height > 4096 {
			fieldErrors = append(fieldErrors, api.FieldError{
				Field:   "viewport",
				Message: "viewport width and height must not exceed 4096",
			})
		}
	}

	if req.SettleMs != nil && *req.SettleMs < 0 {
		fieldErrors = append(fieldErrors, api.FieldError{
			Field:   "settle_ms",
			Message: "settle_ms must not be negative",
		})
	}

	return fieldErrors
}

// handleExportError maps errors from the export pipeline to API responses
func (s *Server) handleExportError(w http.ResponseWriter, err error, requestID *string) {
	log := s.log.With().Str("request_id", *requestID).Logger()

	// A capture error wrapping a deadline is a tile server timeout, not a
	// bad gateway.
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("export timed out")
		s.writeErrorResponse(w, http.StatusGatewayTimeout, api.CodeTileServerTimeout,
			"Tile server requests timed out", requestID, nil)
		return
	}

	var validationErr *export.ValidationError
	if errors.As(err, &validationErr) {
		log.Warn().Err(err).Msg("export rejected")
		s.writeErrorResponse(w, http.StatusBadRequest, api.CodeValidationError,
			validationErr.Reason, requestID, nil)
		return
	}

	var captureErr *export.CaptureError
	if errors.As(err, &captureErr) {
		log.Error().Err(err).Msg("capture failed")

		response := api.CaptureErrorResponse{
			Error:      api.CodeCaptureFailed,
			Message:    fmt.Sprintf("Failed to capture tile %d of %d", captureErr.Tile+1, captureErr.Total),
			FailedTile: captureErr.Tile + 1,
			TotalTiles: captureErr.Total,
			RequestID:  requestID,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(response)
		return
	}

	if errors.Is(err, export.ErrExportInFlight) {
		s.writeErrorResponse(w, http.StatusConflict, api.CodeExportInFlight,
			"Another export is currently running", requestID, nil)
		return
	}

	log.Error().Err(err).Msg("export failed")
	s.writeErrorResponse(w, http.StatusInternalServerError, api.CodeInternalError,
		"Internal server error", requestID, nil)
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestID: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// writeValidationErrorResponse writes a field-level validation response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, fieldErrors []api.FieldError, requestID *string) {
	response := api.ValidationErrorResponse{
		Error:            api.CodeValidationError,
		Message:          "Request validation failed",
		RequestID:        requestID,
		ValidationErrors: fieldErrors,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response)
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
