// Package store persists downloads in cloud storage via gocloud.dev/blob.
//
// Partial downloads are kept as a data blob plus a small JSON state so a
// later run can resume with a range request. Completed downloads are
// written as a single object with a manifest next to it.
//
// # Storage Layout
//
//	{bucket}/{prefix}{name}                        (completed object)
//	{bucket}/{prefix}{name}.manifest.json          (on completion)
//	{bucket}/{prefix}{name}.partial/data           (bytes received so far)
//	{bucket}/{prefix}{name}.partial/state.json     (resume state)
//
// # State Format
//
//	{
//	  "name": "photo.jpg",
//	  "url": "https://example.com/photo.jpg",
//	  "size": 1048576,
//	  "offset": 262144,
//	  "etag": "abc123",
//	  "updated_at": "2025-01-15T10:30:00Z"
//	}
package store
