package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kverran/mapsnap/internal/basemap"
	"github.com/kverran/mapsnap/internal/export"
	"github.com/kverran/mapsnap/internal/surface"
	"github.com/kverran/mapsnap/pkg/geo"
)

const version = "1.0.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mapsnap",
	Short: "Export a stitched PNG snapshot of a map area",
	Long: `mapsnap captures a geographic bounding box from a tiled web map and
composites the captures into a single PNG.

The selected area is split into a grid of viewport-sized captures which are
taken one after another and stitched into one seamless image. Optionally, a
separate world file with georeferencing data can be written.

Examples:
  # Export the old town of Lucerne at zoom 17
  mapsnap --bbox 47.0486,8.3015,47.0550,8.3120 --zoom 17 --url https://tile.openstreetmap.org/{z}/{x}/{y}.png -o lucerne.png

  # Individual boundary flags, plus a world file sidecar
  mapsnap --south 47.0486 --west 8.3015 --north 47.0550 --east 8.3120 --zoom 17 --url https://tile.openstreetmap.org/{z}/{x}/{y}.png -w -o lucerne.png

  # Larger capture viewport and a shorter settle delay
  mapsnap --bbox 47.0486,8.3015,47.0550,8.3120 --zoom 16 --url https://tile.openstreetmap.org/{z}/{x}/{y}.png --viewport-width 1920 --viewport-height 1080 --settle 500ms

  # Start the HTTP server
  mapsnap serve --port 8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Without a selection there is nothing to export; show help.
		if viper.GetString("bbox") == "" && !cmd.Flags().Changed("zoom") {
			return cmd.Help()
		}
		return runExport(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mapsnap.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")

	// Selection
	rootCmd.Flags().String("bbox", "", "bounding box as 'south,west,north,east'")
	rootCmd.Flags().Float64("south", 0, "south boundary latitude")
	rootCmd.Flags().Float64("west", 0, "west boundary longitude")
	rootCmd.Flags().Float64("north", 0, "north boundary latitude")
	rootCmd.Flags().Float64("east", 0, "east boundary longitude")
	rootCmd.Flags().Int("zoom", 0, "export zoom level (required)")

	// Tile source
	rootCmd.Flags().StringP("url", "u", "", "tile URL template with {z}, {x}, {y} placeholders (required)")
	rootCmd.Flags().String("user-agent", basemap.DefaultUserAgent, "HTTP User-Agent header")
	rootCmd.Flags().Int("cache-tiles", basemap.DefaultCacheSize, "decoded tile cache capacity")
	rootCmd.Flags().Int("concurrency", basemap.DefaultMaxConcurrent, "maximum parallel tile downloads")

	// Capture behavior
	rootCmd.Flags().Int("viewport-width", 1280, "capture viewport width in pixels")
	rootCmd.Flags().Int("viewport-height", 800, "capture viewport height in pixels")
	rootCmd.Flags().Duration("settle", export.DefaultSettleDelay, "wait after each viewport move")
	rootCmd.Flags().Duration("timeout", 10*time.Minute, "overall export deadline")

	// Output options
	rootCmd.Flags().StringP("output", "o", "", "output file (default: timestamped name, '-' for stdout)")
	rootCmd.Flags().BoolP("worldfile", "w", false, "write world file next to the image")

	// Bind flags to viper for root command
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("bbox", rootCmd.Flags().Lookup("bbox"))
	viper.BindPFlag("south", rootCmd.Flags().Lookup("south"))
	viper.BindPFlag("west", rootCmd.Flags().Lookup("west"))
	viper.BindPFlag("north", rootCmd.Flags().Lookup("north"))
	viper.BindPFlag("east", rootCmd.Flags().Lookup("east"))
	viper.BindPFlag("zoom", rootCmd.Flags().Lookup("zoom"))
	viper.BindPFlag("url", rootCmd.Flags().Lookup("url"))
	viper.BindPFlag("user-agent", rootCmd.Flags().Lookup("user-agent"))
	viper.BindPFlag("cache-tiles", rootCmd.Flags().Lookup("cache-tiles"))
	viper.BindPFlag("concurrency", rootCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("viewport-width", rootCmd.Flags().Lookup("viewport-width"))
	viper.BindPFlag("viewport-height", rootCmd.Flags().Lookup("viewport-height"))
	viper.BindPFlag("settle", rootCmd.Flags().Lookup("settle"))
	viper.BindPFlag("timeout", rootCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("worldfile", rootCmd.Flags().Lookup("worldfile"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".mapsnap" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mapsnap")
	}

	viper.SetEnvPrefix("MAPSNAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %v", level, err)
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func runExport(cmd *cobra.Command, args []string) error {
	log, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	bounds, err := resolveBounds()
	if err != nil {
		return err
	}

	zoom := viper.GetInt("zoom")
	if zoom == 0 {
		return fmt.Errorf("zoom level is required (use --zoom)")
	}

	url := viper.GetString("url")
	if url == "" {
		return fmt.Errorf("a tile URL template is required (use --url)")
	}

	// Ctrl-C aborts the run; the exporter still restores the surface and
	// reports a capture error.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout := viper.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fetcher, err := basemap.New(basemap.Options{
		URLTemplate:   url,
		UserAgent:     viper.GetString("user-agent"),
		CacheSize:     viper.GetInt("cache-tiles"),
		MaxConcurrent: int64(viper.GetInt("concurrency")),
		Logger:        log.With().Str("module", "basemap").Logger(),
	})
	if err != nil {
		return err
	}

	viewport := geo.ViewportSize{
		Width:  viper.GetInt("viewport-width"),
		Height: viper.GetInt("viewport-height"),
	}

	surf, err := surface.NewTileSurface(surface.Options{
		Viewport: viewport,
		Fetcher:  fetcher,
		View:     surface.View{Center: bounds.Center(), Zoom: zoom},
		Logger:   log.With().Str("module", "surface").Logger(),
	})
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	exporter := export.New(surf, export.Options{
		SettleDelay: viper.GetDuration("settle"),
		OnProgress: func(p export.Progress) {
			if bar == nil {
				bar = progressbar.Default(int64(p.Total), "capturing")
			}
			bar.Add(1)
		},
		Logger: log.With().Str("module", "export").Logger(),
	})

	result, err := exporter.Export(ctx, bounds, zoom)
	if err != nil {
		if bar != nil {
			bar.Exit()
		}
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	return writeArtifacts(log, result)
}

// writeArtifacts writes the PNG and, when requested, the world file sidecar
func writeArtifacts(log zerolog.Logger, result *export.Result) error {
	output := viper.GetString("output")

	if output == "-" {
		if stat, _ := os.Stdout.Stat(); (stat.Mode() & os.ModeCharDevice) != 0 {
			return fmt.Errorf("standard output is a terminal, refusing to write image data")
		}
		if _, err := os.Stdout.Write(result.PNG); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
		if viper.GetBool("worldfile") {
			log.Warn().Msg("world file skipped when writing the image to stdout")
		}
		return nil
	}

	if output == "" {
		output = result.Filename
	}

	if err := os.WriteFile(output, result.PNG, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	log.Info().
		Str("file", output).
		Int("bytes", len(result.PNG)).
		Dur("elapsed", result.Elapsed).
		Msg("export written")

	if viper.GetBool("worldfile") {
		wf, err := export.WorldFile(result.Plan)
		if err != nil {
			return fmt.Errorf("world file: %w", err)
		}

		wfPath := strings.TrimSuffix(output, filepath.Ext(output)) + ".pnw"
		if err := os.WriteFile(wfPath, wf, 0o644); err != nil {
			return fmt.Errorf("write world file: %w", err)
		}
		log.Info().Str("file", wfPath).Msg("world file written")
	}

	return nil
}

// resolveBounds builds the export selection from --bbox or the individual
// boundary flags
func resolveBounds() (geo.Bounds, error) {
	if bbox := viper.GetString("bbox"); bbox != "" {
		return parseBBox(bbox)
	}

	b := geo.Bounds{
		North: viper.GetFloat64("north"),
		South: viper.GetFloat64("south"),
		East:  viper.GetFloat64("east"),
		West:  viper.GetFloat64("west"),
	}
	if b.North == 0 && b.South == 0 && b.East == 0 && b.West == 0 {
		return geo.Bounds{}, fmt.Errorf("a bounding box is required (use --bbox or --south, --west, --north, --east)")
	}

	return b, nil
}

func parseBBox(s string) (geo.Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.Bounds{}, fmt.Errorf("bbox must be in format 'south,west,north,east'")
	}

	vals := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geo.Bounds{}, fmt.Errorf("invalid bbox component %q: %v", part, err)
		}
		vals[i] = v
	}

	return geo.Bounds{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}, nil
}
