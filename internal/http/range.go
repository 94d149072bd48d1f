package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// RangeHeader returns the Range header value for the inclusive byte range
// [offset, offset+length-1].
func RangeHeader(offset, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// WithRange returns a copy of req restricted to length bytes starting at
// offset. The base request is not modified.
func WithRange(req *http.Request, offset, length int64) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Range", RangeHeader(offset, length))
	return r
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}
