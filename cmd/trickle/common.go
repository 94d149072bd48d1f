package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ligustah/trickle/internal/config"
	"github.com/ligustah/trickle/internal/downloader"
	trhttp "github.com/ligustah/trickle/internal/http"
	"github.com/ligustah/trickle/internal/metrics"
	"github.com/ligustah/trickle/internal/progress"
)

// sourceFlags are the flags shared by commands that fetch from the network.
type sourceFlags struct {
	configPath      string
	envFile         string
	progress        bool
	rateLimit       string
	timeout         time.Duration
	logLevel        string
	metricsAddr     string
	retryAttempts   int
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&s.envFile, "env-file", ".env", "File with TRICKLE_ environment variables")
	fs.BoolVar(&s.progress, "progress", false, "Show progress output")
	fs.StringVar(&s.rateLimit, "rate-limit", "", "Bandwidth limit per second, e.g. 2MB")
	fs.DurationVar(&s.timeout, "timeout", 0, "Per-request timeout (0 = none)")
	fs.StringVar(&s.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&s.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.IntVar(&s.retryAttempts, "retry-attempts", 0, "Max retries after a transport failure")
	fs.DurationVar(&s.retryBackoff, "retry-backoff", 0, "Initial retry backoff")
	fs.DurationVar(&s.retryMaxBackoff, "retry-max-backoff", 0, "Max retry backoff")
}

// load builds the configuration: file, then .env and environment, then the
// flags in override.
func (s *sourceFlags) load(override config.Config) (config.Config, error) {
	cfg := config.Default()
	if s.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(s.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.LoadDotEnv(s.envFile); err != nil {
		return config.Config{}, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override.Progress = s.progress
	override.Timeout = s.timeout
	override.LogLevel = s.logLevel
	override.MetricsAddr = s.metricsAddr
	override.Retry = config.RetryConfig{
		Attempts:   s.retryAttempts,
		Backoff:    s.retryBackoff,
		MaxBackoff: s.retryMaxBackoff,
	}
	if s.rateLimit != "" {
		limit, err := progress.ParseBytes(s.rateLimit)
		if err != nil {
			return config.Config{}, fmt.Errorf("parse -rate-limit: %w", err)
		}
		override.RateLimit = limit
	}

	return cfg.Merge(override), nil
}

// isSet reports whether the named flag was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(cfg config.Config) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(cfg.Level()).
		With().
		Timestamp().
		Logger()
}

func newClient(cfg config.Config) *trhttp.Client {
	opts := trhttp.DefaultOptions()
	opts.Timeout = cfg.Timeout
	opts.RetryAttempts = cfg.Retry.Attempts
	opts.RetryBackoff = cfg.Retry.Backoff
	opts.RetryMaxBackoff = cfg.Retry.MaxBackoff
	return trhttp.NewClient(opts)
}

// startMetrics serves /metrics on cfg.MetricsAddr until ctx is done. It
// returns nil metrics when no address is configured.
func startMetrics(ctx context.Context, cfg config.Config, log zerolog.Logger) *metrics.Metrics {
	if cfg.MetricsAddr == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return m
}

// handleSignals calls first on the first SIGINT or SIGTERM and second on the
// next one. The returned function stops listening.
func handleSignals(first, second func()) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "\n[trickle] Received interrupt, stopping...")
		first()

		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "[trickle] Received second interrupt, aborting...")
		second()
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// exitCode maps a download error to a process exit code.
func exitCode(err error) int {
	var se *trhttp.StatusError
	var te *trhttp.TransportError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, trhttp.ErrInvalidResource), errors.Is(err, downloader.ErrInvalidRequest):
		return ExitInvalidArgs
	case errors.Is(err, downloader.ErrSourceChanged):
		return ExitSourceChanged
	case errors.Is(err, downloader.ErrCancelled):
		return ExitCancelled
	case errors.Is(err, downloader.ErrTruncatedStream), errors.Is(err, downloader.ErrRangeMismatch):
		return ExitTruncated
	case errors.As(err, &se):
		return ExitServerError
	case errors.As(err, &te), errors.Is(err, downloader.ErrUnknownSize):
		return ExitSourceNotAccess
	default:
		return ExitGeneralError
	}
}
