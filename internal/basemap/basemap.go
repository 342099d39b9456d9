package basemap

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultUserAgent     = "mapsnap/1.0 (+https://github.com/kverran/mapsnap)"
	DefaultCacheSize     = 512
	DefaultMaxConcurrent = 6
	DefaultTimeout       = 30 * time.Second
)

// TileID addresses one basemap tile in the slippy-map scheme
type TileID struct {
	Z int
	X int
	Y int
}

func (id TileID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// Valid reports whether the tile exists at its zoom level
func (id TileID) Valid() bool {
	if id.Z < 0 || id.X < 0 || id.Y < 0 {
		return false
	}
	n := 1 << id.Z
	return id.X < n && id.Y < n
}

// WrapX normalizes the X coordinate across the antimeridian
func (id TileID) WrapX() TileID {
	n := 1 << id.Z
	id.X = ((id.X % n) + n) % n
	return id
}

// Options configures a Fetcher
type Options struct {
	// URLTemplate contains {z}, {x} and {y} tokens, plus an optional {s}
	// subdomain token
	URLTemplate string

	UserAgent string

	// CacheSize is the number of decoded tiles kept in memory
	CacheSize int

	// MaxConcurrent bounds parallel downloads
	MaxConcurrent int64

	Client *http.Client
	Logger zerolog.Logger
}

// Fetcher downloads, decodes and caches basemap tiles
type Fetcher struct {
	client      *http.Client
	urlTemplate string
	userAgent   string
	cache       *lru.Cache[TileID, image.Image]
	sem         *semaphore.Weighted
	log         zerolog.Logger
}

// New creates a tile fetcher for the given URL template
func New(opts Options) (*Fetcher, error) {
	if opts.URLTemplate == "" {
		return nil, fmt.Errorf("tile URL template is required")
	}
	for _, token := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(opts.URLTemplate, token) {
			return nil, fmt.Errorf("tile URL template must contain %s", token)
		}
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}

	cache, err := lru.New[TileID, image.Image](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		client:      opts.Client,
		urlTemplate: opts.URLTemplate,
		userAgent:   opts.UserAgent,
		cache:       cache,
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		log:         opts.Logger,
	}, nil
}

// URL expands the template for one tile
func (f *Fetcher) URL(id TileID) string {
	url := f.urlTemplate
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(id.Z))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(id.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(id.Y))
	if strings.Contains(url, "{s}") {
		subdomain := string(rune('a' + (id.X+id.Y)%3))
		url = strings.ReplaceAll(url, "{s}", subdomain)
	}
	return url
}

// Fetch returns the tile image, serving from cache when possible
func (f *Fetcher) Fetch(ctx context.Context, id TileID) (image.Image, error) {
	id = id.WrapX()
	if !id.Valid() {
		return nil, fmt.Errorf("no tile %s at zoom %d", id, id.Z)
	}

	if img, ok := f.cache.Get(id); ok {
		return img, nil
	}

	data, err := f.download(ctx, f.URL(id))
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}

	img, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}

	f.cache.Add(id, img)
	f.log.Debug().Str("tile", id.String()).Msg("tile fetched")

	return img, nil
}

// Prefetch warms the cache for the given tiles. Downloads run concurrently,
// bounded by MaxConcurrent, and the first failure aborts the rest.
func (f *Fetcher) Prefetch(ctx context.Context, ids []TileID) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id // per-iteration copy; go.mod targets go < 1.22 loop semantics
		g.Go(func() error {
			_, err := f.Fetch(ctx, id)
			return err
		})
	}
	return g.Wait()
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// decode sniffs the tile format and decodes it. PNG and JPEG are the common
// cases; webp and tiff decoders are registered for servers that serve them.
func decode(data []byte) (image.Image, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("tile body too short (%d bytes)", len(data))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unrecognized tile format: %w", err)
	}

	return img, nil
}
