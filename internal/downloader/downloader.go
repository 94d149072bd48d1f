package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	trhttp "github.com/ligustah/trickle/internal/http"
	"github.com/ligustah/trickle/internal/metrics"
	"github.com/ligustah/trickle/internal/progress"
)

// readBufferSize is the size of the buffer between the network and the
// byte-at-a-time accumulator.
const readBufferSize = 32 * 1024

// Fetcher is the transport used by the controller. *trhttp.Client
// implements it.
type Fetcher interface {
	FetchStream(ctx context.Context, url string) (*trhttp.Stream, error)
	FetchRange(ctx context.Context, url string, offset, length int64) (*trhttp.Stream, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
	Head(ctx context.Context, url string) (*trhttp.FileInfo, error)
}

// Observer receives a copy of the download record after every batch and on
// every state change. Publish runs on the download goroutine and should
// return quickly.
type Observer interface {
	Publish(info progress.Info)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(progress.Info)

// Publish calls f(info).
func (f ObserverFunc) Publish(info progress.Info) { f(info) }

// Options configures the controller.
type Options struct {
	// PartialDownloads makes a stopped download return the bytes received so
	// far as PartiallyCompleted instead of failing with ErrCancelled.
	PartialDownloads bool

	// Registry receives every download record. A private registry is created
	// when nil.
	Registry *progress.Registry

	// Observer is an optional extra subscriber, called synchronously.
	Observer Observer

	// RateLimit caps throughput in bytes per second across all downloads of
	// the controller. Zero means unlimited.
	RateLimit int64

	// Logger receives download lifecycle events.
	// Default: zerolog.Nop()
	Logger *zerolog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Request describes one download. When Offset is positive the download is a
// range request for the bytes [Offset, File.Size) and the server must answer
// 206; otherwise it is a plain request answered with 200.
type Request struct {
	File   File
	URL    string
	Offset int64
}

// Result is the outcome of a download. It is returned for every download
// that got past request validation, including failed ones.
type Result struct {
	Info  progress.Info
	State State

	// Data holds the bytes received for [Offset, Offset+len(Data)). It is
	// nil unless State is Completed or PartiallyCompleted.
	Data   []byte
	Offset int64
}

// Controller drives downloads into accumulators and publishes their progress.
// It is safe for concurrent use; each Download call runs on the caller's
// goroutine.
type Controller struct {
	client   Fetcher
	opts     Options
	registry *progress.Registry
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// NewController creates a controller that fetches through client.
func NewController(client Fetcher, opts Options) *Controller {
	c := &Controller{
		client:   client,
		opts:     opts,
		registry: opts.Registry,
		log:      zerolog.Nop(),
	}
	if c.registry == nil {
		c.registry = progress.NewRegistry()
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(min(opts.RateLimit, 1<<20)))
	}
	return c
}

// Registry returns the registry holding the controller's download records.
func (c *Controller) Registry() *progress.Registry {
	return c.registry
}

// Download fetches req.File into memory.
//
// The stream is read in batches of about 5% of the requested length. Between
// batches the controller publishes progress and checks stop; a stop request
// is therefore observed within one batch and never interrupts a read. A nil
// stop token never stops.
//
// On success the result is Completed. A stopped download is
// PartiallyCompleted when Options.PartialDownloads is set and fails with
// ErrCancelled otherwise. A stream that ends early fails with a
// *TruncatedError, a status other than the expected 200 or 206 with a
// *trhttp.StatusError, and a broken read with a *trhttp.TransportError.
func (c *Controller) Download(ctx context.Context, req Request, stop *StopToken) (*Result, error) {
	file := req.File
	if file.Size < 0 {
		return nil, fmt.Errorf("%w: %s: negative size %d", ErrInvalidRequest, file.Name, file.Size)
	}
	if req.Offset < 0 || req.Offset > file.Size {
		return nil, fmt.Errorf("%w: %s: offset %d outside [0, %d]", ErrInvalidRequest, file.Name, req.Offset, file.Size)
	}

	started := time.Now()
	res := &Result{
		Info:   c.registry.Add(file.Name, file.Size, StateNotStarted.String()),
		State:  StateNotStarted,
		Offset: req.Offset,
	}
	res.Info.Bytes = req.Offset
	res.Info.Progress = fraction(req.Offset, file.Size)
	c.publish(res.Info)

	log := c.log.With().
		Str("name", file.Name).
		Str("id", res.Info.ID.String()).
		Int64("size", file.Size).
		Int64("offset", req.Offset).
		Logger()

	c.opts.Metrics.DownloadStarted()

	length := file.Size - req.Offset
	if length == 0 {
		log.Debug().Msg("nothing to fetch")
		return c.finish(log, res, NewAccumulator(file.Name, 0), StateCompleted, started, nil)
	}

	s, err := c.open(ctx, req, length)
	if err != nil {
		state := StateFailed
		if ctx.Err() != nil {
			state = StateCancelled
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return c.finish(log, res, nil, state, started, err)
	}
	defer s.Close()

	// Allocated only once the server has accepted the request.
	acc := NewAccumulator(file.Name, length)

	res.State = StateInProgress
	res.Info.State = StateInProgress.String()
	c.publish(res.Info)
	log.Debug().Int("status", s.StatusCode).Msg("download started")

	r := bufio.NewReaderSize(s.Body, readBufferSize)
	var (
		exhausted bool
		readErr   error
		waitErr   error
	)

	for {
		if stop.Stopped() || ctx.Err() != nil {
			break
		}
		if acc.IsFullyComplete() {
			break
		}

		for !acc.IsBatchCompleted() && !acc.IsFullyComplete() {
			b, err := r.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					exhausted = true
				} else {
					readErr = err
				}
				break
			}
			acc.Append(b)
		}

		n := acc.BatchLen()
		acc.NextBatch()
		c.progress(res, acc, file.Size)

		if waitErr = c.throttle(ctx, n); waitErr != nil {
			break
		}
		if exhausted || readErr != nil {
			break
		}
	}

	switch {
	case acc.IsFullyComplete():
		return c.finish(log, res, acc, StateCompleted, started, nil)

	case ctx.Err() != nil:
		return c.finish(log, res, acc, StateCancelled, started, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))

	case waitErr != nil:
		// The limiter refuses waits that would outlast the context deadline.
		return c.finish(log, res, acc, StateCancelled, started, fmt.Errorf("%w: %w", ErrCancelled, waitErr))

	case readErr != nil:
		return c.finish(log, res, acc, StateFailed, started, &trhttp.TransportError{
			Op:  "read",
			URL: req.URL,
			Err: readErr,
		})

	case stop.Stopped():
		if c.opts.PartialDownloads {
			return c.finish(log, res, acc, StatePartiallyCompleted, started, nil)
		}
		return c.finish(log, res, acc, StateCancelled, started, ErrCancelled)

	default:
		return c.finish(log, res, acc, StateFailed, started, &TruncatedError{
			Name:     file.Name,
			Expected: length,
			Received: acc.Len(),
		})
	}
}

// open starts the request and validates the response status.
func (c *Controller) open(ctx context.Context, req Request, length int64) (*trhttp.Stream, error) {
	if req.Offset == 0 {
		s, err := c.client.FetchStream(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		if s.StatusCode != http.StatusOK {
			s.Close()
			return nil, &trhttp.StatusError{StatusCode: s.StatusCode, URL: req.URL}
		}
		return s, nil
	}

	s, err := c.client.FetchRange(ctx, req.URL, req.Offset, length)
	if err != nil {
		return nil, err
	}
	if s.StatusCode != http.StatusPartialContent {
		s.Close()
		return nil, &trhttp.StatusError{StatusCode: s.StatusCode, URL: req.URL}
	}
	if s.ContentRange != "" {
		start, _, _, err := trhttp.ParseContentRange(s.ContentRange)
		if err != nil || start != req.Offset {
			s.Close()
			return nil, fmt.Errorf("%w: requested offset %d, got %q", ErrRangeMismatch, req.Offset, s.ContentRange)
		}
	}
	return s, nil
}

// throttle waits until the limiter allows n more bytes.
func (c *Controller) throttle(ctx context.Context, n int64) error {
	if c.limiter == nil {
		return nil
	}
	burst := int64(c.limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		if err := c.limiter.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// progress publishes the byte count of res after a batch.
func (c *Controller) progress(res *Result, acc *Accumulator, size int64) {
	res.Info.Bytes = res.Offset + acc.Len()
	res.Info.Progress = fraction(res.Info.Bytes, size)
	c.publish(res.Info)
}

// finish records the final state. acc is nil when the stream never opened.
func (c *Controller) finish(log zerolog.Logger, res *Result, acc *Accumulator, state State, started time.Time, err error) (*Result, error) {
	var received int64
	if acc != nil {
		received = acc.Len()
	}

	res.State = state
	res.Info.State = state.String()
	res.Info.Done = true
	res.Info.Bytes = res.Offset + received
	res.Info.Progress = fraction(res.Info.Bytes, res.Info.Size)

	if acc != nil && (state == StateCompleted || state == StatePartiallyCompleted) {
		res.Data = acc.Data()
	}
	c.publish(res.Info)

	elapsed := time.Since(started)
	c.opts.Metrics.DownloadFinished(state.String(), received, elapsed)

	if err != nil {
		log.Warn().Err(err).
			Str("state", state.String()).
			Int64("received", received).
			Dur("elapsed", elapsed).
			Msg("download did not complete")
		return res, err
	}

	log.Info().
		Str("state", state.String()).
		Int64("received", received).
		Dur("elapsed", elapsed).
		Msg("download finished")
	return res, nil
}

func (c *Controller) publish(info progress.Info) {
	c.registry.Publish(info)
	if c.opts.Observer != nil {
		c.opts.Observer.Publish(info)
	}
}

// LoadImage downloads a small resource through the controller so it shows
// up in the registry. Resources without an announced length, or whose server
// rejects HEAD, are fetched in one piece instead.
func (c *Controller) LoadImage(ctx context.Context, name, url string) ([]byte, error) {
	info, err := c.client.Head(ctx, url)
	var se *trhttp.StatusError
	switch {
	case errors.As(err, &se):
		c.log.Debug().Str("name", name).Int("status", se.StatusCode).Msg("HEAD rejected, fetching whole resource")
		return c.client.FetchBytes(ctx, url)
	case err != nil:
		return nil, err
	case info.Size < 0:
		return c.client.FetchBytes(ctx, url)
	}

	res, err := c.Download(ctx, Request{
		File: File{Name: name, Size: info.Size, Date: time.Now()},
		URL:  url,
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func fraction(n, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(n) / float64(total)
}
