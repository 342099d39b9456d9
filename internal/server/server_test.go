package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kverran/mapsnap/internal/api"
	"github.com/kverran/mapsnap/pkg/geo"
)

// Test server setup
func setupTestServer(cfg Config, timeout time.Duration) *httptest.Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	apiServer := NewServer("2.0.0-test", cfg, zerolog.Nop())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", apiServer.Routes())
	})

	return httptest.NewServer(r)
}

func testConfig() Config {
	// A small viewport keeps tile counts and test runtime down.
	return Config{DefaultViewport: geo.ViewportSize{Width: 64, Height: 48}}
}

// newTileServer serves a solid PNG for every tile request, optionally
// calling onRequest first
func newTileServer(t *testing.T, onRequest func()) *httptest.Server {
	t.Helper()

	tile := image.NewRGBA(image.Rect(0, 0, geo.TileSize, geo.TileSize))
	draw.Draw(tile, tile.Bounds(), &image.Uniform{C: color.RGBA{R: 0x22, G: 0x66, B: 0xAA, A: 0xFF}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, tile); err != nil {
		t.Fatalf("Failed to encode tile: %v", err)
	}
	data := buf.Bytes()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest()
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	t.Cleanup(server.Close)

	return server
}

func exportRequest(tileURL string) api.ExportRequest {
	// Roughly 100 x 70 projected pixels around Lucerne at zoom 15.
	return api.ExportRequest{
		Bounds: api.Bounds{
			North: 47.0520,
			South: 47.0500,
			East:  8.3100,
			West:  8.3057,
		},
		Zoom:    15,
		TileURL: tileURL + "/{z}/{x}/{y}.png",
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var healthResp api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if healthResp.Status != api.Healthy {
		t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
	}

	if healthResp.Version == nil || *healthResp.Version != "2.0.0-test" {
		t.Errorf("Expected version '2.0.0-test', got %v", healthResp.Version)
	}

	if healthResp.Uptime == nil || *healthResp.Uptime < 0 {
		t.Errorf("Expected valid uptime, got %v", healthResp.Uptime)
	}

	if time.Since(healthResp.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
	}
}

func TestExportEndpoint_Success(t *testing.T) {
	tiles := newTileServer(t, nil)
	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	jsonData, err := json.Marshal(exportRequest(tiles.URL))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if len(imageData) == 0 {
		t.Error("Expected image data, got empty response")
	}

	// Check PNG signature
	if len(imageData) < 8 || !bytes.Equal(imageData[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		t.Error("Response does not appear to be a valid PNG file")
	}

	// The output is a whole grid of viewport captures.
	imgCfg, err := png.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		t.Fatalf("Failed to decode PNG config: %v", err)
	}
	if imgCfg.Width <= 0 || imgCfg.Width%64 != 0 {
		t.Errorf("Expected width to be a positive multiple of 64, got %d", imgCfg.Width)
	}
	if imgCfg.Height <= 0 || imgCfg.Height%48 != 0 {
		t.Errorf("Expected height to be a positive multiple of 48, got %d", imgCfg.Height)
	}

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	disposition := resp.Header.Get("Content-Disposition")
	if !strings.Contains(disposition, "mapsnap_") || !strings.Contains(disposition, ".png") {
		t.Errorf("Expected timestamped attachment filename, got %q", disposition)
	}
}

func TestExportEndpoint_ViewportOverride(t *testing.T) {
	tiles := newTileServer(t, nil)
	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	request := exportRequest(tiles.URL)
	request.Viewport = &api.Viewport{Width: 50, Height: 40}

	jsonData, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	imgCfg, err := png.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		t.Fatalf("Failed to decode PNG config: %v", err)
	}
	if imgCfg.Width%50 != 0 {
		t.Errorf("Expected width to be a multiple of the 50px viewport, got %d", imgCfg.Width)
	}
	if imgCfg.Height%40 != 0 {
		t.Errorf("Expected height to be a multiple of the 40px viewport, got %d", imgCfg.Height)
	}
}

func TestExportEndpoint_ValidationErrors(t *testing.T) {
	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	valid := exportRequest("http://tiles.invalid")

	flippedBounds := valid
	flippedBounds.Bounds = api.Bounds{North: 47.05, South: 47.06, East: 8.31, West: 8.30}

	zoomTooHigh := valid
	zoomTooHigh.Zoom = 25

	missingPlaceholders := valid
	missingPlaceholders.TileURL = "http://tiles.invalid/tile.png"

	zeroViewport := valid
	zeroViewport.Viewport = &api.Viewport{Width: 0, Height: 48}

	negativeSettle := valid
	settle := -10
	negativeSettle.SettleMs = &settle

	testCases := []struct {
		name           string
		request        interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Invalid JSON",
			request:        `{"invalid": json}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "INVALID_JSON",
		},
		{
			name:           "North below south",
			request:        flippedBounds,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Invalid zoom level",
			request:        zoomTooHigh,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Invalid tile URL template",
			request:        missingPlaceholders,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Invalid viewport dimensions",
			request:        zeroViewport,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
		{
			name:           "Negative settle delay",
			request:        negativeSettle,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "VALIDATION_ERROR",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader

			if str, ok := tc.request.(string); ok {
				body = strings.NewReader(str)
			} else {
				jsonData, err := json.Marshal(tc.request)
				if err != nil {
					t.Fatalf("Failed to marshal request: %v", err)
				}
				body = bytes.NewBuffer(jsonData)
			}

			resp, err := http.Post(server.URL+"/api/v1/export", "application/json", body)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.expectedStatus {
				responseBody, _ := io.ReadAll(resp.Body)
				t.Errorf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(responseBody))
			}

			var errorResp map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}

			if errorCode, ok := errorResp["error"].(string); !ok || errorCode != tc.expectedError {
				t.Errorf("Expected error code %s, got %v", tc.expectedError, errorResp["error"])
			}
		})
	}
}

func TestExportEndpoint_TileServerError(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer broken.Close()

	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	jsonData, err := json.Marshal(exportRequest(broken.URL))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected status 502, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var errorResp api.CaptureErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if errorResp.Error != "CAPTURE_FAILED" {
		t.Errorf("Expected error code CAPTURE_FAILED, got %s", errorResp.Error)
	}

	if errorResp.TotalTiles == 0 {
		t.Error("Expected total_tiles > 0")
	}

	if errorResp.FailedTile != 1 {
		t.Errorf("Expected the first capture to fail, got failed_tile %d", errorResp.FailedTile)
	}
}

func TestExportEndpoint_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		http.NotFound(w, r)
	}))
	defer slow.Close()

	server := setupTestServer(testConfig(), 300*time.Millisecond)
	defer server.Close()

	jsonData, err := json.Marshal(exportRequest(slow.URL))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 504, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var errorResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if errorResp.Error != "TILE_SERVER_TIMEOUT" {
		t.Errorf("Expected error code TILE_SERVER_TIMEOUT, got %s", errorResp.Error)
	}
}

func TestExportEndpoint_Conflict(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})

	// Every tile request stalls long enough for the second export request
	// to arrive while the first is still running.
	slow := newTileServer(t, func() {
		once.Do(func() { close(started) })
		time.Sleep(700 * time.Millisecond)
	})

	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	jsonData, err := json.Marshal(exportRequest(slow.URL))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewReader(jsonData))
		if err != nil {
			firstDone <- err
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		firstDone <- nil
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("First export never reached the tile server")
	}

	resp, err := http.Post(server.URL+"/api/v1/export", "application/json", bytes.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("Expected status 409, got %d. Body: %s", resp.StatusCode, string(body))
	}

	var errorResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if errorResp.Error != "EXPORT_IN_FLIGHT" {
		t.Errorf("Expected error code EXPORT_IN_FLIGHT, got %s", errorResp.Error)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("First export request failed: %v", err)
	}
}

func TestCORSHeaders(t *testing.T) {
	server := setupTestServer(testConfig(), 30*time.Second)
	defer server.Close()

	req, err := http.NewRequest("OPTIONS", server.URL+"/api/v1/export", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected Access-Control-Allow-Origin: *")
	}

	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("Expected Access-Control-Allow-Methods to include POST")
	}

	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type") {
		t.Error("Expected Access-Control-Allow-Headers to include Content-Type")
	}
}
