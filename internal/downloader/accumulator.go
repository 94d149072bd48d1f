package downloader

import (
	"fmt"

	"github.com/ligustah/trickle/internal/progress"
)

// batchDivisor splits a download into roughly 5% batches.
const batchDivisor = 20

// Accumulator collects the bytes of one download into a buffer of exactly
// its declared size. Bytes arrive one at a time and are counted in batches
// of ChunkCount bytes; the controller checks for a stop request between
// batches.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	name       string
	buf        []byte
	offset     int64
	counter    int64
	chunkCount int64
}

// NewAccumulator returns an empty accumulator for size bytes. A zero size is
// valid and the accumulator is complete from the start. It panics if size is
// negative.
func NewAccumulator(name string, size int64) *Accumulator {
	if size < 0 {
		panic(fmt.Sprintf("downloader: negative accumulator size %d", size))
	}
	return &Accumulator{
		name:       name,
		buf:        make([]byte, size),
		chunkCount: max(size/batchDivisor, 1),
	}
}

// Append writes b at the current offset. Appending to a full accumulator is
// a programming error and panics.
func (a *Accumulator) Append(b byte) {
	if a.offset >= int64(len(a.buf)) {
		panic(fmt.Sprintf("downloader: append to full accumulator %q (%d bytes)", a.name, len(a.buf)))
	}
	a.buf[a.offset] = b
	a.offset++
	a.counter++
}

// IsBatchCompleted reports whether the current batch holds ChunkCount bytes.
func (a *Accumulator) IsBatchCompleted() bool {
	return a.counter >= a.chunkCount
}

// BatchLen returns the number of bytes appended in the current batch.
func (a *Accumulator) BatchLen() int64 {
	return a.counter
}

// MadeProgressThisRound reports whether any byte was appended since the last
// call to NextBatch. It says nothing about overall completion.
func (a *Accumulator) MadeProgressThisRound() bool {
	return a.counter > 0
}

// NextBatch closes the current batch: it reports whether the batch made
// progress and resets the batch counter to zero.
func (a *Accumulator) NextBatch() (madeProgress bool) {
	madeProgress = a.counter > 0
	a.counter = 0
	return madeProgress
}

// IsFullyComplete reports whether every declared byte has arrived.
func (a *Accumulator) IsFullyComplete() bool {
	return a.offset == int64(len(a.buf))
}

// Progress returns the fraction of bytes received, in [0, 1].
func (a *Accumulator) Progress() float64 {
	if len(a.buf) == 0 {
		return 1
	}
	return float64(a.offset) / float64(len(a.buf))
}

// Data returns the bytes received so far. The slice aliases the internal
// buffer but its capacity ends at the write offset, so the unwritten tail
// cannot be reached by reslicing.
func (a *Accumulator) Data() []byte {
	return a.buf[:a.offset:a.offset]
}

// Len returns the number of bytes received.
func (a *Accumulator) Len() int64 { return a.offset }

// Size returns the declared size.
func (a *Accumulator) Size() int64 { return int64(len(a.buf)) }

// ChunkCount returns the number of bytes in a full batch.
func (a *Accumulator) ChunkCount() int64 { return a.chunkCount }

// Name returns the download name.
func (a *Accumulator) Name() string { return a.name }

func (a *Accumulator) String() string {
	return fmt.Sprintf("[%s] %s", a.name, progress.FormatBytes(a.offset))
}
