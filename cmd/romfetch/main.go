package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"romfetch/internal/catalog"
	"romfetch/internal/config"
	"romfetch/internal/download"
	"romfetch/internal/events"
	"romfetch/internal/extract"
	"romfetch/internal/logging"
	"romfetch/internal/server"
	"romfetch/internal/settings"
	"romfetch/internal/store"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg := config.New()
	showVersion, err := parseFlags(cfg, flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if showVersion {
		fmt.Println("romfetch", cfg.Version)
		return
	}
	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// parseFlags binds command line flags onto cfg. It reports whether only the
// version was requested.
func parseFlags(cfg *config.Config, fs *flag.FlagSet, args []string) (bool, error) {
	var version bool
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "API requests per minute per client IP (0 disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database (default: OS cache dir: romfetch/romfetch.db)")
	fs.StringVar(&cfg.DefaultDownloadDir, "default-download-dir", cfg.DefaultDownloadDir, "Download directory used until one is saved (default: ~/Downloads/Roms)")
	fs.StringVar(&cfg.SourcesPath, "sources", cfg.SourcesPath, "YAML file listing catalog sources (default: built-in list)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent chunk transfers across all downloads")
	fs.IntVar(&cfg.Chunks, "chunks", cfg.Chunks, "Chunks per download when the server supports ranges")
	fs.Int64Var(&cfg.MinSplitSize, "min-split-size", cfg.MinSplitSize, "Files smaller than this many bytes are fetched as one chunk")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Attempts per chunk, including the first")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Delay before the first retry, doubled each attempt")
	fs.DurationVar(&cfg.RetryMaxBackoff, "retry-max-backoff", cfg.RetryMaxBackoff, "Upper bound for retry delay")
	fs.DurationVar(&cfg.ChunkTimeout, "chunk-timeout", cfg.ChunkTimeout, "Abort a chunk attempt after this long without data")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Minimum gap between progress events per download")
	fs.Int64Var(&cfg.BandwidthLimit, "bandwidth-limit", cfg.BandwidthLimit, "Total download rate in bytes/s (0 = unlimited)")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "URL used for the liveness check (empty: the download's origin)")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Liveness check timeout")
	fs.BoolVar(&cfg.SyncOnStart, "sync-on-start", cfg.SyncOnStart, "Sync the catalog at startup when it is empty")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Periodic catalog sync interval (0 disables)")
	fs.DurationVar(&cfg.SyncTimeout, "sync-timeout", cfg.SyncTimeout, "Timeout for fetching one catalog source")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	return version, nil
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ResolveDownloadDir(); err != nil {
		return fmt.Errorf("resolve download dir: %w", err)
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))
	slog.Debug("configuration", "config", cfg.String())

	sources, err := config.LoadSources(cfg.SourcesPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	// Closed explicitly after the manager and synchronizer stop.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := events.New()
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCatalogChanges(ctx, st, notifier)
	}()

	dirs := settings.New(st, cfg.DefaultDownloadDir)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: cfg.Workers,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	mgr := download.NewManager(download.Options{
		Workers:      cfg.Workers,
		Chunks:       cfg.Chunks,
		MinSplitSize: cfg.MinSplitSize,
		Retry: download.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBackoff,
			MaxDelay:    cfg.RetryMaxBackoff,
		},
		ChunkTimeout:     cfg.ChunkTimeout,
		ProgressInterval: cfg.ProgressInterval,
		BandwidthLimit:   cfg.BandwidthLimit,
		ProbeURL:         cfg.ProbeURL,
		ProbeTimeout:     cfg.ProbeTimeout,
		Client:           client,
		Catalog:          st,
		Dirs:             dirs,
		Events:           notifier,
		Extractor:        extract.Archive{},
	})

	syncer := catalog.NewSynchronizer(st, client, sources, notifier, cfg.SyncTimeout)
	sched := catalog.NewScheduler(syncer, st, cfg.SyncOnStart, cfg.SyncInterval)
	sched.Start()

	handler := server.New(server.Deps{
		Downloads: mgr,
		Catalog:   st,
		Settings:  dirs,
		Library:   syncer,
		Events:    notifier,
		Probe: func(ctx context.Context) error {
			return download.Probe(ctx, client, cfg.ProbeURL, cfg.ProbeTimeout)
		},
		Base:      ctx,
		RateLimit: cfg.RateLimit,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // event stream stays open
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.LogServerShutdown("shutdown signal received; draining", nil)
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	mgr.StopAccepting()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	sched.Stop()
	syncer.Wait()
	mgr.Shutdown()
	handler.Close()
	<-bridgeDone
	notifier.Close()
	// Store last: jobs and syncs write to it until they stop.
	if err := st.Close(); err != nil {
		logging.LogServerShutdown("close db", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
	return runErr
}

// bridgeCatalogChanges republishes store mutation notices on the event bus
// until ctx is done.
func bridgeCatalogChanges(ctx context.Context, st *store.Store, pub events.Publisher) {
	changes, cancel := st.SubscribeChanges(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-changes:
			if !ok {
				return
			}
			pub.Publish(events.Event{
				Topic:   events.TopicCatalogChanged,
				Payload: events.CatalogChanged{Kind: string(evt.Type), ID: evt.ID},
			})
		}
	}
}
