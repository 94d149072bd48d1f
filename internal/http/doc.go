// Package http fetches remote resources for the downloader and the catalog.
//
// This package handles:
//   - Whole-resource fetches into memory (FetchBytes)
//   - JSON records decoded into a caller type (FetchJSON)
//   - Streamed and ranged fetches whose status the caller validates
//   - HEAD requests for size and ETag
//   - Retry with exponential backoff for transport failures only
//
// # Errors
//
//   - ErrInvalidResource: the URL was rejected before any network call
//   - *StatusError: unexpected status; errors.Is(err, ErrServerError)
//   - *TransportError: connection-level failure, safe for the caller to retry
//   - *DecodeError: the payload did not match the expected record
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	data, err := client.FetchBytes(ctx, url)
//
//	resp, err := http.FetchJSON[CatalogResponse](ctx, client, url)
//
//	s, err := client.FetchRange(ctx, url, offset, length)
//	defer s.Close()
//	// s.StatusCode should be 206
package http
