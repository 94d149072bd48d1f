package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ligustah/trickle/internal/catalog"
	"github.com/ligustah/trickle/internal/config"
	"github.com/ligustah/trickle/internal/downloader"
	"github.com/ligustah/trickle/internal/progress"
	"github.com/ligustah/trickle/internal/store"
)

// runCatalog fetches a photo catalog and every image it lists. Images are
// stored in the bucket when one is given. A missing image is reported but
// does not fail the command.
func runCatalog(args []string) int {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)

	src := fs.String("url", "", "Catalog URL (required)")
	bucket := fs.String("bucket", "", "Bucket URL to store images in (optional)")
	prefix := fs.String("prefix", "photos/", "Key prefix for stored images")
	workers := fs.Int("workers", 0, "Concurrent image downloads (default 4)")
	var sf sourceFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: trickle catalog [options]

Fetch a photo catalog and download its images.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := sf.load(config.Config{
		CatalogURL: *src,
		Bucket:     *bucket,
		Prefix:     *prefix,
		Workers:    *workers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.ValidateCatalog(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer handleSignals(cancel, cancel)()

	return fetchCatalog(ctx, cfg)
}

func fetchCatalog(ctx context.Context, cfg config.Config) int {
	log := newLogger(cfg)
	client := newClient(cfg)
	m := startMetrics(ctx, cfg, log)

	registry := progress.NewRegistry()
	if cfg.Progress {
		reporter := progress.NewReporter(registry, progress.Options{})
		reporter.Start()
		defer reporter.Stop()
	}

	ctrl := downloader.NewController(client, downloader.Options{
		Registry:  registry,
		RateLimit: cfg.RateLimit,
		Logger:    &log,
		Metrics:   m,
	})

	opts := []catalog.Option{
		catalog.WithLoader(ctrl),
		catalog.WithLogger(log),
		catalog.WithMetrics(m),
	}
	if cfg.Bucket != "" {
		st, err := store.Open(ctx, cfg.Bucket, cfg.Prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
			return ExitStorageError
		}
		defer st.Close()
		opts = append(opts, catalog.WithSink(st))
	}

	f := catalog.NewFetcher(client, cfg.CatalogURL, opts...)
	photos, err := f.FetchCatalog(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	fetched := f.FetchAllImages(ctx, cfg.Workers)

	for i, p := range f.Photos() {
		status := "missing"
		if p.Image != nil {
			status = progress.FormatBytes(int64(len(p.Image)))
		}
		fmt.Printf("%4d  %-10s  %s\n", i, status, p.Metadata.Title)
	}

	fmt.Fprintf(os.Stderr, "[trickle] Catalog: %d photos | %d images fetched | %d failed\n",
		len(photos), fetched, len(photos)-fetched)
	if ctx.Err() != nil {
		return ExitCancelled
	}
	return ExitSuccess
}
