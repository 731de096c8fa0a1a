package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler triggers catalog syncs in the background: once at startup when
// the catalog is empty, then on a fixed interval.
type Scheduler struct {
	sync     *Synchronizer
	store    Catalog
	onStart  bool
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. interval <= 0 disables periodic runs.
func NewScheduler(s *Synchronizer, st Catalog, onStart bool, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sync:     s,
		store:    st,
		onStart:  onStart,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins scheduling in the background.
func (sc *Scheduler) Start() {
	go sc.run()
}

// Stop cancels any run in flight and waits for the loop to exit.
func (sc *Scheduler) Stop() {
	sc.cancel()
	<-sc.done
}

func (sc *Scheduler) run() {
	defer close(sc.done)

	if sc.onStart {
		n, err := sc.store.CountGames(sc.ctx)
		switch {
		case err != nil:
			slog.Warn("scheduler: count games failed", "error", err)
		case n == 0:
			sc.trigger("startup")
		}
	}

	if sc.interval <= 0 {
		<-sc.ctx.Done()
		return
	}
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.trigger("interval")
		}
	}
}

func (sc *Scheduler) trigger(reason string) {
	slog.Info("scheduler: catalog sync", "reason", reason)
	_, err := sc.sync.Sync(sc.ctx, Options{})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		slog.Debug("scheduler: sync already running", "reason", reason)
	case err != nil && sc.ctx.Err() == nil:
		slog.Warn("scheduler: catalog sync failed", "reason", reason, "error", err)
	}
}
