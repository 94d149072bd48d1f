// Package downloader fetches resources into memory in bounded batches.
//
// A Controller opens a stream through the HTTP client, feeds it byte by byte
// into an Accumulator sized to the declared length and publishes progress
// after every batch of roughly 5% of the file. Between batches it checks a
// StopToken, so a stop request takes effect within one batch.
//
// # Usage
//
//	ctrl := downloader.NewController(client, downloader.Options{
//	    PartialDownloads: true,
//	    Registry:         registry,
//	})
//
//	stop := downloader.NewStopToken()
//	res, err := ctrl.Download(ctx, downloader.Request{
//	    File: downloader.File{Name: "photo.jpg", Size: size},
//	    URL:  url,
//	}, stop)
//
// # States
//
//	NotStarted -> InProgress -> Completed
//	                         -> PartiallyCompleted  (stopped, partials enabled)
//	                         -> Cancelled           (stopped, partials disabled)
//	                         -> Failed              (status, truncation, transport)
//
// # Resuming
//
// Resume persists PartiallyCompleted downloads in a PartialStore and
// continues them with a range request on the next run. The stored ETag and
// size must still match the server.
package downloader
