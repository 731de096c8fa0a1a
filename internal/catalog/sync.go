package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"romfetch/internal/config"
	"romfetch/internal/events"
	"romfetch/internal/logging"
	"romfetch/internal/store"
)

var (
	// ErrSyncInProgress is returned when a second run is requested while one is active.
	ErrSyncInProgress = errors.New("sync_in_progress")
	// ErrSourceFetchFailed marks a listing that could not be downloaded.
	ErrSourceFetchFailed = errors.New("source_fetch_failed")
)

// DefaultSourceTimeout bounds the fetch of a single listing.
const DefaultSourceTimeout = 60 * time.Second

// maxListingSize caps how much of one listing page is read.
const maxListingSize = 64 << 20

// Catalog is the store surface the synchronizer writes to.
type Catalog interface {
	UpsertBatch(ctx context.Context, games []store.Game) (int, error)
	ResetCatalog(ctx context.Context) error
	CountGames(ctx context.Context) (int64, error)
}

// Options controls a single run.
type Options struct {
	// Rebuild clears the catalog, including downloaded flags, before syncing.
	Rebuild bool `json:"rebuild"`
}

// SourceResult reports how one source fared.
type SourceResult struct {
	Platform string `json:"platform"`
	Games    int    `json:"games"`
	Written  int    `json:"written"`
	Err      string `json:"error,omitempty"`
}

// Summary describes a finished run.
type Summary struct {
	Sources   []SourceResult `json:"sources"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Games     int            `json:"games"`
	Elapsed   time.Duration  `json:"elapsed"`
}

// Synchronizer rebuilds the catalog from remote listings. At most one run is
// active at a time.
type Synchronizer struct {
	store   Catalog
	client  *http.Client
	sources []config.Source
	pub     events.Publisher
	timeout time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewSynchronizer creates a synchronizer. A nil client uses http.DefaultClient.
func NewSynchronizer(st Catalog, client *http.Client, sources []config.Source, pub events.Publisher, timeout time.Duration) *Synchronizer {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	return &Synchronizer{
		store:   st,
		client:  client,
		sources: sources,
		pub:     pub,
		timeout: timeout,
	}
}

// Running reports whether a run is active.
func (s *Synchronizer) Running() bool { return s.running.Load() }

// Sync runs synchronously and returns the summary.
func (s *Synchronizer) Sync(ctx context.Context, opts Options) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSyncInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx, opts)
}

// Launch starts a run in the background. ctx must outlive the caller's
// request; progress is reported through events.
func (s *Synchronizer) Launch(ctx context.Context, opts Options) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_, _ = s.run(ctx, opts)
	}()
	return nil
}

// Wait blocks until a launched run finishes.
func (s *Synchronizer) Wait() { s.wg.Wait() }

func (s *Synchronizer) run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	sum := Summary{Sources: make([]SourceResult, 0, len(s.sources))}
	s.progress(0, "Starting…")

	finish := func(err error) (Summary, error) {
		sum.Elapsed = time.Since(start)
		logging.LogSyncComplete(sum.Succeeded, sum.Failed, sum.Games, sum.Elapsed, err)
		if err != nil {
			s.progress(100, "Aborted: "+err.Error())
			return sum, err
		}
		s.progress(100, "Done!")
		return sum, nil
	}

	if opts.Rebuild {
		if err := s.store.ResetCatalog(ctx); err != nil {
			return finish(fmt.Errorf("reset catalog: %w", err))
		}
	}

	n := len(s.sources)
	for i, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		res := SourceResult{Platform: src.Platform}
		games, err := s.fetchSource(ctx, src)
		if err == nil {
			res.Games = len(games)
			res.Written, err = s.store.UpsertBatch(ctx, games)
			if err != nil {
				// The store is unusable; later sources would fail the same way.
				logging.LogSyncSource(src.Platform, src.URL, 0, err)
				res.Err = err.Error()
				sum.Sources = append(sum.Sources, res)
				sum.Failed++
				return finish(err)
			}
		}
		logging.LogSyncSource(src.Platform, src.URL, res.Games, err)
		if err != nil {
			res.Err = err.Error()
			sum.Failed++
		} else {
			sum.Succeeded++
			sum.Games += res.Games
		}
		sum.Sources = append(sum.Sources, res)

		msg := fmt.Sprintf("Synced %s (%d games)", src.Platform, res.Games)
		if err != nil {
			msg = fmt.Sprintf("Skipped %s: %v", src.Platform, err)
		}
		s.progress((i+1)*100/n, msg)
	}
	return finish(nil)
}

// fetchSource downloads and parses a single listing.
func (s *Synchronizer) fetchSource(ctx context.Context, src config.Source) ([]store.Game, error) {
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrSourceFetchFailed, resp.StatusCode)
	}

	// Resolve against the final URL so redirects keep relative links valid.
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return Parse(src.Rule, base, src.Platform, io.LimitReader(resp.Body, maxListingSize))
}

func (s *Synchronizer) progress(pct int, msg string) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.Event{
		Topic:   events.TopicSyncProgress,
		Payload: events.SyncProgress{Percent: pct, Message: msg},
	})
}
