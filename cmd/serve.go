package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kverran/mapsnap/internal/basemap"
	"github.com/kverran/mapsnap/internal/export"
	"github.com/kverran/mapsnap/internal/server"
	"github.com/kverran/mapsnap/pkg/geo"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP map export API",
	Long: `Start an HTTP server that provides a REST API for map exports.

Each request captures a bounding box from the configured tile source and
returns the stitched PNG. One export runs at a time.

Examples:
  # Start server on default port 8080
  mapsnap serve

  # Start server on custom port
  mapsnap serve --port 3000

  # Start server with custom bind address
  mapsnap serve --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 10*time.Minute, "request timeout")
	serveCmd.Flags().Int("viewport-width", server.DefaultViewport.Width, "default capture viewport width in pixels")
	serveCmd.Flags().Int("viewport-height", server.DefaultViewport.Height, "default capture viewport height in pixels")
	serveCmd.Flags().Duration("settle", export.DefaultSettleDelay, "default wait after each viewport move")
	serveCmd.Flags().String("user-agent", basemap.DefaultUserAgent, "HTTP User-Agent for tile requests")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.viewport-width", serveCmd.Flags().Lookup("viewport-width"))
	viper.BindPFlag("server.viewport-height", serveCmd.Flags().Lookup("viewport-height"))
	viper.BindPFlag("server.settle", serveCmd.Flags().Lookup("settle"))
	viper.BindPFlag("server.user-agent", serveCmd.Flags().Lookup("user-agent"))
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	// Create Chi router
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))

	// CORS middleware for API access
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

	// Create server implementation
	apiServer := server.NewServer(version, server.Config{
		DefaultViewport: geo.ViewportSize{
			Width:  viper.GetInt("server.viewport-width"),
			Height: viper.GetInt("server.viewport-height"),
		},
		SettleDelay: viper.GetDuration("server.settle"),
		UserAgent:   viper.GetString("server.user-agent"),
	}, log.With().Str("module", "server").Logger())

	// Mount API routes at /api/v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", apiServer.Routes())
	})

	// Legacy health endpoint (without /api/v1 prefix for backward compatibility)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/health", http.StatusMovedPermanently)
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Str("addr", addr).Str("version", version).Msg("starting mapsnap server")
	log.Info().Str("url", fmt.Sprintf("http://%s/api/v1/health", addr)).Msg("health check")
	log.Info().Str("url", fmt.Sprintf("http://%s/api/v1/export", addr)).Msg("export endpoint")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
