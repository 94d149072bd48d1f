package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to print the summary line.
	// Default: 500ms
	UpdateInterval time.Duration

	// Bars renders one progress bar per download instead of the periodic
	// summary line. Suited to a single large download.
	Bars bool

	// Label prefixes every summary line.
	// Default: "trickle"
	Label string
}

// Reporter renders the downloads of a Registry on a terminal.
type Reporter struct {
	opts     Options
	registry *Registry

	mu        sync.Mutex
	bars      map[uuid.UUID]*progressbar.ProgressBar
	startTime time.Time
	lastTime  time.Time
	lastBytes int64
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a reporter for the downloads of registry.
func NewReporter(registry *Registry, opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Label == "" {
		opts.Label = "trickle"
	}

	return &Reporter{
		opts:     opts,
		registry: registry,
		bars:     make(map[uuid.UUID]*progressbar.ProgressBar),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	r.startTime = time.Now()
	r.lastTime = r.startTime

	updates, cancel := r.registry.Subscribe(256)
	go r.updateLoop(updates, cancel)
}

// Stop stops the reporter and prints the final status. Safe to call twice,
// and a no-op for a reporter that was never started.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

func (r *Reporter) updateLoop(updates <-chan Info, cancel func()) {
	defer close(r.doneCh)
	defer cancel()

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case info, ok := <-updates:
			if !ok {
				return
			}
			if r.opts.Bars {
				r.updateBar(info)
			}
		case <-ticker.C:
			if !r.opts.Bars {
				r.printProgress()
			}
		}
	}
}

func (r *Reporter) updateBar(info Info) {
	bar, ok := r.bars[info.ID]
	if !ok {
		if info.Size <= 0 {
			return
		}
		bar = progressbar.NewOptions64(info.Size,
			progressbar.OptionSetWriter(r.opts.Output),
			progressbar.OptionSetDescription(info.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(r.opts.UpdateInterval/5),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(r.opts.Output)
			}),
		)
		r.bars[info.ID] = bar
	}

	bar.Set64(info.Bytes)

	if !info.Done {
		return
	}
	if info.Bytes >= info.Size {
		bar.Finish()
	} else {
		bar.Describe(fmt.Sprintf("%s (%s)", info.Name, info.State))
		bar.Exit()
	}
	delete(r.bars, info.ID)
}

// summary aggregates the registry into totals.
type summary struct {
	bytes, size                int64
	done, active, failed, part int
}

func (r *Reporter) summarize() summary {
	var s summary
	for _, info := range r.registry.Snapshot() {
		s.bytes += info.Bytes
		s.size += info.Size
		switch {
		case !info.Done:
			s.active++
		case info.State == "completed":
			s.done++
		case info.State == "partially_completed":
			s.part++
		default:
			s.failed++
		}
	}
	return s
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	s := r.summarize()

	// Calculate speed
	elapsed := now.Sub(r.lastTime).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(s.bytes-r.lastBytes) / elapsed
	r.lastTime = now
	r.lastBytes = s.bytes

	var percent float64
	eta := "calculating..."
	if s.size > 0 {
		percent = float64(s.bytes) / float64(s.size) * 100
		if speed > 0 {
			remaining := float64(s.size - s.bytes)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}

	fmt.Fprintf(r.opts.Output, "[%s] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s\n",
		r.opts.Label,
		percent,
		FormatBytes(s.bytes),
		FormatBytes(s.size),
		FormatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "[%s] Downloads: %d completed | %d in-progress | %d partial | %d failed\n",
		r.opts.Label, s.done, s.active, s.part, s.failed)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	s := r.summarize()
	duration := time.Since(r.startTime)
	avgSpeed := float64(s.bytes) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "[%s] Downloads: %d completed | %d partial | %d failed\n",
		r.opts.Label, s.done, s.part, s.failed)
	fmt.Fprintf(r.opts.Output, "[%s] Total: %s in %s | Average speed: %s/s\n",
		r.opts.Label,
		FormatBytes(s.bytes),
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}
