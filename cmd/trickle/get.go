package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/ligustah/trickle/internal/config"
	"github.com/ligustah/trickle/internal/downloader"
	"github.com/ligustah/trickle/internal/progress"
	"github.com/ligustah/trickle/internal/store"
)

// runGet downloads a URL into object storage. An interrupted download keeps
// its bytes in the bucket and the next run resumes it with a range request.
func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)

	src := fs.String("url", "", "Source URL to download (required)")
	bucket := fs.String("bucket", "", "Destination bucket URL (required)")
	name := fs.String("name", "", "Destination object name (default: last element of the URL path)")
	prefix := fs.String("prefix", "", "Key prefix inside the bucket")
	size := fs.String("size", "", "Declared size, e.g. 10MB (default: from the server)")
	partial := fs.Bool("partial", true, "Keep partial bytes when interrupted")
	force := fs.Bool("force", false, "Discard stored partial state and start over")
	var sf sourceFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: trickle get [options]

Download a URL into object storage. Press Ctrl-C once to stop at the next
batch and keep the partial download, twice to abort.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	override := config.Config{
		URL:    *src,
		Bucket: *bucket,
		Name:   *name,
		Prefix: *prefix,
		Force:  *force,
	}
	if *size != "" {
		n, err := progress.ParseBytes(*size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid size: %v\n", err)
			return ExitInvalidArgs
		}
		override.Size = n
	}

	cfg, err := sf.load(override)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if isSet(fs, "partial") {
		cfg.Partial = *partial
	}
	if cfg.Name == "" {
		cfg.Name = nameFromURL(cfg.URL)
	}

	if err := cfg.ValidateDownload(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := downloader.NewStopToken()
	defer handleSignals(stop.Stop, cancel)()

	return get(ctx, cfg, stop)
}

func get(ctx context.Context, cfg config.Config, stop *downloader.StopToken) int {
	log := newLogger(cfg)

	st, err := store.Open(ctx, cfg.Bucket, cfg.Prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	registry := progress.NewRegistry()
	if cfg.Progress {
		reporter := progress.NewReporter(registry, progress.Options{Bars: true})
		reporter.Start()
		defer reporter.Stop()
	}

	ctrl := downloader.NewController(newClient(cfg), downloader.Options{
		PartialDownloads: cfg.Partial,
		Registry:         registry,
		RateLimit:        cfg.RateLimit,
		Logger:           &log,
		Metrics:          startMetrics(ctx, cfg, log),
	})

	res, err := ctrl.Resume(ctx, st, downloader.ResumeRequest{
		File:     downloader.File{Name: cfg.Name, Size: cfg.Size, Date: time.Now()},
		URL:      cfg.URL,
		Force:    cfg.Force,
		Metadata: map[string]string{"source_url": cfg.URL},
	}, stop)
	if err != nil {
		code := exitCode(err)
		switch code {
		case ExitSourceChanged:
			fmt.Fprintln(os.Stderr, "Error: Source file has changed since the last attempt")
			fmt.Fprintln(os.Stderr, "Use -force to restart from scratch")
		case ExitCancelled:
			fmt.Fprintln(os.Stderr, "[trickle] Download cancelled, nothing saved")
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return code
	}

	switch res.State {
	case downloader.StatePartiallyCompleted:
		fmt.Fprintf(os.Stderr, "[trickle] Stopped at %s of %s (%.1f%%), state saved for resume\n",
			progress.FormatBytes(res.Info.Bytes), progress.FormatBytes(res.Info.Size), res.Info.Progress*100)
		return ExitPartial
	case downloader.StateCompleted:
		fmt.Fprintf(os.Stderr, "[trickle] Download complete: %s/%s (%s)\n",
			cfg.Bucket, res.Manifest.Object, progress.FormatBytes(res.Manifest.Size))
		if res.Restored > 0 {
			fmt.Fprintf(os.Stderr, "[trickle] Resumed from %s\n", progress.FormatBytes(res.Restored))
		}
		fmt.Fprintf(os.Stderr, "[trickle] SHA256: %s\n", res.Manifest.Checksum)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "[trickle] Download ended in state %s\n", res.State)
		return ExitGeneralError
	}
}

// nameFromURL returns the last element of the URL path, or "" if there is none.
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}
