package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	trhttp "github.com/ligustah/trickle/internal/http"
	"github.com/ligustah/trickle/internal/progress"
)

// testServer serves data with range support and records the Range headers
// it receives.
type testServer struct {
	*httptest.Server

	mu     sync.Mutex
	ranges []string
	gets   atomic.Int32
}

func newTestServer(t *testing.T, data []byte, etag string) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ts.gets.Add(1)
			ts.mu.Lock()
			ts.ranges = append(ts.ranges, r.Header.Get("Range"))
			ts.mu.Unlock()
		}
		if etag != "" {
			w.Header().Set("ETag", `"`+etag+`"`)
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) rangeHeaders() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.ranges...)
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func newTestController(opts Options) *Controller {
	httpOpts := trhttp.DefaultOptions()
	httpOpts.RetryAttempts = 0
	return NewController(trhttp.NewClient(httpOpts), opts)
}

// stopAfter returns an observer that stops token once n bytes are published.
func stopAfter(token *StopToken, n int64) Observer {
	return ObserverFunc(func(info progress.Info) {
		if !info.Done && info.Bytes >= n {
			token.Stop()
		}
	})
}

func TestDownloadCompletes(t *testing.T) {
	data := testData(100)
	server := newTestServer(t, data, "")

	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "complete.bin", Size: 100},
		URL:  server.URL,
	}, NewStopToken())
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if res.State != StateCompleted {
		t.Errorf("expected state completed, got %s", res.State)
	}
	if len(res.Data) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(res.Data))
	}
	if !bytes.Equal(res.Data, data) {
		t.Error("data mismatch")
	}
	if res.Info.Progress != 1.0 {
		t.Errorf("expected progress 1.0, got %f", res.Info.Progress)
	}
	if got := server.rangeHeaders(); len(got) != 1 || got[0] != "" {
		t.Errorf("expected one plain request, got ranges %q", got)
	}
}

func TestDownloadStopWithoutPartialSupport(t *testing.T) {
	server := newTestServer(t, testData(100), "")

	stop := NewStopToken()
	ctrl := newTestController(Options{Observer: stopAfter(stop, 25)})

	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "cancel.bin", Size: 100},
		URL:  server.URL,
	}, stop)

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.State != StateCancelled {
		t.Errorf("expected state cancelled, got %s", res.State)
	}
	if res.Data != nil {
		t.Errorf("expected no data, got %d bytes", len(res.Data))
	}
}

func TestDownloadStopWithPartialSupport(t *testing.T) {
	data := testData(100)
	server := newTestServer(t, data, "")

	stop := NewStopToken()
	ctrl := newTestController(Options{
		PartialDownloads: true,
		Observer:         stopAfter(stop, 25),
	})

	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "partial.bin", Size: 100},
		URL:  server.URL,
	}, stop)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if res.State != StatePartiallyCompleted {
		t.Errorf("expected state partially_completed, got %s", res.State)
	}
	if len(res.Data) != 25 {
		t.Fatalf("expected 25 bytes, got %d", len(res.Data))
	}
	if !bytes.Equal(res.Data, data[:25]) {
		t.Error("partial data mismatch")
	}
	if res.Info.Progress != 0.25 {
		t.Errorf("expected progress 0.25, got %f", res.Info.Progress)
	}
}

func TestDownloadStoppedBeforeStart(t *testing.T) {
	server := newTestServer(t, testData(100), "")

	stop := NewStopToken()
	stop.Stop()

	ctrl := newTestController(Options{PartialDownloads: true})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "early.bin", Size: 100},
		URL:  server.URL,
	}, stop)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.State != StatePartiallyCompleted {
		t.Errorf("expected state partially_completed, got %s", res.State)
	}
	if len(res.Data) != 0 {
		t.Errorf("expected no bytes, got %d", len(res.Data))
	}
}

func TestDownloadServerError(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusNoContent} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		var maxBytes atomic.Int64
		ctrl := newTestController(Options{Observer: ObserverFunc(func(info progress.Info) {
			maxBytes.Store(max(maxBytes.Load(), info.Bytes))
		})})

		res, err := ctrl.Download(context.Background(), Request{
			File: File{Name: "status.bin", Size: 100},
			URL:  server.URL,
		}, nil)
		server.Close()

		var se *trhttp.StatusError
		if !errors.As(err, &se) {
			t.Errorf("status %d: expected *StatusError, got %v", code, err)
			continue
		}
		if se.StatusCode != code {
			t.Errorf("expected status %d, got %d", code, se.StatusCode)
		}
		if res.State != StateFailed {
			t.Errorf("status %d: expected state failed, got %s", code, res.State)
		}
		if maxBytes.Load() != 0 {
			t.Errorf("status %d: no byte may reach the accumulator, saw %d", code, maxBytes.Load())
		}
	}
}

func TestDownloadRejectedBeforeAllocation(t *testing.T) {
	// Far beyond what a slice may hold: allocating it would panic.
	const huge = int64(1) << 50

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	tests := map[string]struct {
		offset int64
		status int
	}{
		"plain":  {0, http.StatusNotFound},
		"ranged": {huge / 2, http.StatusRequestedRangeNotSatisfiable},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := newTestController(Options{})
			res, err := ctrl.Download(context.Background(), Request{
				File:   File{Name: "huge.bin", Size: huge},
				URL:    server.URL,
				Offset: tt.offset,
			}, nil)

			var se *trhttp.StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Fatalf("expected *StatusError with %d, got %v", tt.status, err)
			}
			if res.State != StateFailed || res.Data != nil {
				t.Errorf("expected failed without data, got %s with %d bytes", res.State, len(res.Data))
			}
			if res.Info.Bytes != tt.offset {
				t.Errorf("expected %d bytes recorded, got %d", tt.offset, res.Info.Bytes)
			}
		})
	}
}

func TestDownloadRangedRequiresPartialContent(t *testing.T) {
	// Server ignores Range and answers 200 with the whole body.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testData(100))
	}))
	defer server.Close()

	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File:   File{Name: "ranged.bin", Size: 100},
		URL:    server.URL,
		Offset: 40,
	}, nil)

	var se *trhttp.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusOK {
		t.Fatalf("expected *StatusError with 200, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("expected state failed, got %s", res.State)
	}
}

func TestDownloadRanged(t *testing.T) {
	data := testData(100)
	server := newTestServer(t, data, "")

	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File:   File{Name: "ranged.bin", Size: 100},
		URL:    server.URL,
		Offset: 40,
	}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if res.Offset != 40 {
		t.Errorf("expected offset 40, got %d", res.Offset)
	}
	if !bytes.Equal(res.Data, data[40:]) {
		t.Errorf("expected bytes 40-99, got %d bytes", len(res.Data))
	}
	if res.Info.Bytes != 100 || res.Info.Progress != 1.0 {
		t.Errorf("expected 100 bytes at progress 1.0, got %d at %f", res.Info.Bytes, res.Info.Progress)
	}
	if got := server.rangeHeaders(); len(got) != 1 || got[0] != "bytes=40-99" {
		t.Errorf("expected Range bytes=40-99, got %q", got)
	}
}

func TestDownloadRangeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-59/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData(60))
	}))
	defer server.Close()

	ctrl := newTestController(Options{})
	_, err := ctrl.Download(context.Background(), Request{
		File:   File{Name: "mismatch.bin", Size: 100},
		URL:    server.URL,
		Offset: 40,
	}, nil)
	if !errors.Is(err, ErrRangeMismatch) {
		t.Fatalf("expected ErrRangeMismatch, got %v", err)
	}
}

func TestDownloadTruncated(t *testing.T) {
	server := newTestServer(t, testData(60), "")

	ctrl := newTestController(Options{PartialDownloads: true})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "short.bin", Size: 100},
		URL:  server.URL,
	}, NewStopToken())

	if !errors.Is(err, ErrTruncatedStream) {
		t.Fatalf("expected ErrTruncatedStream, got %v", err)
	}
	var te *TruncatedError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TruncatedError, got %T", err)
	}
	if te.Expected != 100 || te.Received != 60 {
		t.Errorf("expected 60 of 100 bytes, got %d of %d", te.Received, te.Expected)
	}
	if res.State != StateFailed {
		t.Errorf("expected state failed, got %s", res.State)
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("truncation must not look like cancellation")
	}
}

func TestDownloadBrokenStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write(testData(40))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "broken.bin", Size: 100},
		URL:  server.URL,
	}, nil)

	var te *trhttp.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Op != "read" {
		t.Errorf("expected op read, got %s", te.Op)
	}
	if res.State != StateFailed {
		t.Errorf("expected state failed, got %s", res.State)
	}
}

func TestDownloadContextCancelled(t *testing.T) {
	server := newTestServer(t, testData(100), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := newTestController(Options{
		PartialDownloads: true,
		Observer: ObserverFunc(func(info progress.Info) {
			if info.Bytes >= 50 {
				cancel()
			}
		}),
	})

	res, err := ctrl.Download(ctx, Request{
		File: File{Name: "ctx.bin", Size: 100},
		URL:  server.URL,
	}, nil)

	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrCancelled wrapping context.Canceled, got %v", err)
	}
	if res.State != StateCancelled {
		t.Errorf("expected state cancelled, got %s", res.State)
	}
	if res.Data != nil {
		t.Error("expected no data on cancellation")
	}
}

func TestDownloadZeroSize(t *testing.T) {
	server := newTestServer(t, nil, "")

	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "empty.bin", Size: 0},
		URL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if res.State != StateCompleted {
		t.Errorf("expected state completed, got %s", res.State)
	}
	if res.Info.Progress != 1.0 {
		t.Errorf("expected progress 1.0, got %f", res.Info.Progress)
	}
	if server.gets.Load() != 0 {
		t.Errorf("expected no request, got %d", server.gets.Load())
	}
}

func TestDownloadInvalidRequest(t *testing.T) {
	ctrl := newTestController(Options{})

	tests := []Request{
		{File: File{Name: "neg", Size: -1}, URL: "http://example.com"},
		{File: File{Name: "off", Size: 10}, URL: "http://example.com", Offset: 11},
		{File: File{Name: "off", Size: 10}, URL: "http://example.com", Offset: -1},
	}
	for _, req := range tests {
		if _, err := ctrl.Download(context.Background(), req, nil); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}

func TestDownloadInvalidResource(t *testing.T) {
	ctrl := newTestController(Options{})
	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "bad", Size: 10},
		URL:  "not a url",
	}, nil)
	if !errors.Is(err, trhttp.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("expected state failed, got %s", res.State)
	}
}

func TestDownloadPublishesProgress(t *testing.T) {
	server := newTestServer(t, testData(1000), "")

	var (
		mu      sync.Mutex
		updates []progress.Info
	)
	registry := progress.NewRegistry()
	ctrl := newTestController(Options{
		Registry: registry,
		Observer: ObserverFunc(func(info progress.Info) {
			mu.Lock()
			updates = append(updates, info)
			mu.Unlock()
		}),
	})

	res, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "progress.bin", Size: 1000},
		URL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	// One record before the request, one on InProgress, 20 batches, one final.
	if len(updates) < 22 {
		t.Errorf("expected at least 22 updates, got %d", len(updates))
	}
	if updates[0].Progress != 0 || updates[0].Done {
		t.Errorf("expected first update at progress 0, got %+v", updates[0])
	}

	var last float64
	for i, u := range updates {
		if u.ID != res.Info.ID {
			t.Fatalf("update %d has id %s, want %s", i, u.ID, res.Info.ID)
		}
		if u.Progress < last {
			t.Errorf("progress went backwards at update %d: %f < %f", i, u.Progress, last)
		}
		last = u.Progress
	}
	final := updates[len(updates)-1]
	if !final.Done || final.State != "completed" {
		t.Errorf("expected final completed update, got %+v", final)
	}

	got, ok := registry.Get(res.Info.ID)
	if !ok {
		t.Fatal("expected download in registry")
	}
	if got.Progress != 1.0 || !got.Done {
		t.Errorf("unexpected registry record %+v", got)
	}
}

func TestDownloadSharedStopToken(t *testing.T) {
	server := newTestServer(t, testData(200), "")

	stop := NewStopToken()
	stop.Stop()

	ctrl := newTestController(Options{})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ctrl.Download(context.Background(), Request{
				File: File{Name: "shared.bin", Size: 200},
				URL:  server.URL,
			}, stop)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("download %d: expected ErrCancelled, got %v", i, err)
		}
	}
}

func TestDownloadRateLimit(t *testing.T) {
	server := newTestServer(t, testData(1500), "")

	ctrl := newTestController(Options{RateLimit: 1000})
	start := time.Now()
	_, err := ctrl.Download(context.Background(), Request{
		File: File{Name: "slow.bin", Size: 1500},
		URL:  server.URL,
	}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	// The first 1000 bytes ride the initial burst, the rest take ~500ms.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected rate limiting, finished in %s", elapsed)
	}
}

func TestLoadImage(t *testing.T) {
	data := testData(300)
	server := newTestServer(t, data, "")

	registry := progress.NewRegistry()
	ctrl := newTestController(Options{Registry: registry})

	got, err := ctrl.LoadImage(context.Background(), "0001.jpg", server.URL)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("image data mismatch")
	}
	if n := len(registry.Snapshot()); n != 1 {
		t.Errorf("expected image tracked in registry, got %d records", n)
	}
}

func TestLoadImageHeadRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte("jpeg"))
	}))
	defer server.Close()

	ctrl := newTestController(Options{})
	got, err := ctrl.LoadImage(context.Background(), "0002.jpg", server.URL)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if string(got) != "jpeg" {
		t.Errorf("expected 'jpeg', got %q", got)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StateNotStarted, "not_started", false},
		{StateInProgress, "in_progress", false},
		{StateCompleted, "completed", true},
		{StatePartiallyCompleted, "partially_completed", true},
		{StateFailed, "failed", true},
		{StateCancelled, "cancelled", true},
		{State(42), "unknown", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("State(%d).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestNilStopToken(t *testing.T) {
	var token *StopToken
	if token.Stopped() {
		t.Error("nil token must never stop")
	}
}
