package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when a download is stopped and partial
	// downloads are disabled, or when its context is cancelled.
	ErrCancelled = errors.New("downloader: download cancelled")

	// ErrTruncatedStream matches every *TruncatedError.
	ErrTruncatedStream = errors.New("downloader: stream ended before declared size")

	// ErrSourceChanged is returned by Resume when the stored partial download
	// belongs to a different version of the resource.
	ErrSourceChanged = errors.New("downloader: source changed since last attempt")

	// ErrInvalidRequest is returned for negative sizes or offsets outside the file.
	ErrInvalidRequest = errors.New("downloader: invalid request")

	// ErrRangeMismatch is returned when a 206 response covers a different
	// range than requested.
	ErrRangeMismatch = errors.New("downloader: server returned a different range")

	// ErrUnknownSize is returned by Resume when neither the caller nor the
	// server provides the resource size.
	ErrUnknownSize = errors.New("downloader: resource size unknown")
)

// TruncatedError is returned when the stream ends before the declared size
// and nobody asked the download to stop. It usually means the server and
// the declared size disagree.
type TruncatedError struct {
	Name     string
	Expected int64
	Received int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("downloader: %s: stream ended after %d of %d bytes", e.Name, e.Received, e.Expected)
}

// Is makes errors.Is(err, ErrTruncatedStream) true.
func (e *TruncatedError) Is(target error) bool {
	return target == ErrTruncatedStream
}
