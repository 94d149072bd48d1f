package downloader

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a download.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
	StatePartiallyCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateNotStarted:         "not_started",
	StateInProgress:         "in_progress",
	StateCompleted:          "completed",
	StatePartiallyCompleted: "partially_completed",
	StateFailed:             "failed",
	StateCancelled:          "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s >= StateCompleted
}

// File describes a resource to download. Name identifies the download and
// must be unique per logical download.
type File struct {
	Name string
	Size int64
	Date time.Time
}

// StopToken asks downloads to stop at their next batch boundary. One token
// may be shared by any number of downloads. Stopping never interrupts a read
// that is already in flight. A nil *StopToken never stops.
type StopToken struct {
	stopped atomic.Bool
}

// NewStopToken returns a token that has not been stopped.
func NewStopToken() *StopToken {
	return &StopToken{}
}

// Stop requests every download holding the token to stop.
func (t *StopToken) Stop() {
	t.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (t *StopToken) Stopped() bool {
	return t != nil && t.stopped.Load()
}
