package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	trhttp "github.com/ligustah/trickle/internal/http"
	"github.com/ligustah/trickle/internal/metrics"
)

// ErrIndexOutOfRange is returned by FetchImage for an index outside the catalog.
var ErrIndexOutOfRange = errors.New("catalog: index out of range")

// PhotoMetadata describes one catalog entry.
type PhotoMetadata struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Photo is a catalog entry with its image, which is nil until fetched.
type Photo struct {
	Metadata PhotoMetadata
	Image    []byte
}

// Response is the catalog payload.
type Response struct {
	Success bool            `json:"success"`
	Photos  []PhotoMetadata `json:"photos"`
}

// ImageLoader downloads one image. *downloader.Controller implements it.
type ImageLoader interface {
	LoadImage(ctx context.Context, name, url string) ([]byte, error)
}

// ImageSink stores fetched images. *store.Store implements it.
type ImageSink interface {
	PutImage(ctx context.Context, key string, data []byte, metadata map[string]string) error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLoader routes image downloads through l instead of a plain fetch.
func WithLoader(l ImageLoader) Option {
	return func(f *Fetcher) { f.loader = l }
}

// WithSink stores every fetched image in s.
func WithSink(s ImageSink) Option {
	return func(f *Fetcher) { f.sink = s }
}

// WithLogger sets the logger used for per-image failures.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// WithMetrics counts image fetches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// Fetcher loads a photo catalog and the images it references.
//
// Each index has a single writer: concurrent FetchImage calls for the same
// index of the same catalog load share one request and its outcome. Calls
// for different indices, or made after FetchCatalog replaced the entries,
// run independently.
type Fetcher struct {
	client  *trhttp.Client
	url     string
	loader  ImageLoader
	sink    ImageSink
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	photos []Photo
	gen    uint64 // bumped by every FetchCatalog

	inflight singleflight.Group
}

// NewFetcher creates a fetcher for the catalog at url.
func NewFetcher(client *trhttp.Client, url string, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: client,
		url:    url,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.loader == nil {
		f.loader = plainLoader{client}
	}
	return f
}

// FetchCatalog downloads the catalog and replaces the current entries. A
// response with success set to false yields an empty catalog, not an error.
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]PhotoMetadata, error) {
	resp, err := trhttp.FetchJSON[Response](ctx, f.client, f.url)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}

	var list []PhotoMetadata
	if resp.Success {
		list = resp.Photos
	} else {
		f.log.Warn().Str("url", f.url).Msg("catalog response reported failure")
	}

	photos := make([]Photo, len(list))
	for i, m := range list {
		photos[i] = Photo{Metadata: m}
	}

	f.mu.Lock()
	f.photos = photos
	f.gen++
	f.mu.Unlock()

	f.log.Debug().Int("photos", len(list)).Msg("catalog loaded")
	return append([]PhotoMetadata(nil), list...), nil
}

// FetchImage downloads the image of the entry at index and attaches it to
// the entry. If a sink is configured the image is stored as well; a storage
// failure is returned after the image has been attached.
func (f *Fetcher) FetchImage(ctx context.Context, index int) ([]byte, error) {
	meta, gen, ok := f.entry(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	key := strconv.FormatUint(gen, 10) + "/" + strconv.Itoa(index)
	v, err, _ := f.inflight.Do(key, func() (any, error) {
		data, err := f.loader.LoadImage(ctx, ImageKey(index, meta.URL), meta.URL)
		f.metrics.ImageFetched(err)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		// The catalog may have been replaced while the image was in flight.
		if f.gen == gen {
			f.photos[index].Image = data
		}
		f.mu.Unlock()

		if f.sink != nil {
			if err := f.sink.PutImage(ctx, ImageKey(index, meta.URL), data, map[string]string{
				"title":       meta.Title,
				"description": meta.Description,
				"source_url":  meta.URL,
			}); err != nil {
				return data, fmt.Errorf("store image %d: %w", index, err)
			}
		}
		return data, nil
	})

	data, _ := v.([]byte)
	if err != nil {
		return data, fmt.Errorf("fetch image %d: %w", index, err)
	}
	return data, nil
}

// FetchAllImages fetches every image with up to workers concurrent requests.
// Failures are logged and skipped. It returns the number of images fetched.
func (f *Fetcher) FetchAllImages(ctx context.Context, workers int) int {
	if workers <= 0 {
		workers = 4
	}

	n := f.Len()
	jobs := make(chan int, workers)
	var (
		wg      sync.WaitGroup
		fetched atomic.Int64
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if _, err := f.FetchImage(ctx, index); err != nil {
					f.log.Warn().Err(err).Int("index", index).Msg("image fetch failed")
					continue
				}
				fetched.Add(1)
			}
		}()
	}

	// Queue work
	for i := 0; i < n; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	return int(fetched.Load())
}

// Len returns the number of catalog entries.
func (f *Fetcher) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.photos)
}

// Photo returns the entry at index.
func (f *Fetcher) Photo(index int) (Photo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if index < 0 || index >= len(f.photos) {
		return Photo{}, false
	}
	return f.photos[index], true
}

// Photos returns a copy of all entries.
func (f *Fetcher) Photos() []Photo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Photo(nil), f.photos...)
}

// entry returns the metadata at index and the catalog generation it belongs to.
func (f *Fetcher) entry(index int) (PhotoMetadata, uint64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if index < 0 || index >= len(f.photos) {
		return PhotoMetadata{}, 0, false
	}
	return f.photos[index].Metadata, f.gen, true
}

// ImageKey names the stored image of the entry at index, keeping the
// extension of its URL.
func ImageKey(index int, rawURL string) string {
	var ext string
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	}
	return fmt.Sprintf("%04d%s", index, ext)
}

type plainLoader struct {
	client *trhttp.Client
}

func (l plainLoader) LoadImage(ctx context.Context, _, url string) ([]byte, error) {
	return l.client.FetchBytes(ctx, url)
}
