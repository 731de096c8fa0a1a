package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"romfetch/internal/events"
	"romfetch/internal/extract"
	"romfetch/internal/logging"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Workers          int   // global concurrent chunk transfers across all jobs
	Chunks           int   // target chunk count for ranged downloads
	MinSplitSize     int64 // smaller files use a single chunk
	Retry            RetryPolicy
	ChunkTimeout     time.Duration // per-attempt inactivity limit
	ProgressInterval time.Duration
	BandwidthLimit   int64 // bytes/s across all jobs, 0 = unlimited

	ProbeURL     string // empty probes the download URL's origin
	ProbeTimeout time.Duration

	Client    *http.Client
	Catalog   Catalog
	Dirs      DirResolver
	Events    events.Publisher
	Extractor extract.Extractor

	// FreeSpace overrides the disk usage lookup; tests use it.
	FreeSpace func(ctx context.Context, dir string) (uint64, error)
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Chunks <= 0 {
		o.Chunks = 4
	}
	if o.MinSplitSize <= 0 {
		o.MinSplitSize = 1 << 20
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = 30 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 150 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.FreeSpace == nil {
		o.FreeSpace = diskFree
	}
}

// Request asks for one game to be downloaded.
type Request struct {
	GameID   string `json:"id"`
	URL      string `json:"url"`
	FileName string `json:"file_name"`
}

// Manager runs chunked downloads. All jobs share one pool of transfer slots.
type Manager struct {
	opts      Options
	client    *http.Client
	pool      *semaphore.Weighted
	bandwidth *rate.Limiter
	registry  *JobRegistry

	// lifecycle guards closing and wg.Add so Shutdown never races a Start.
	lifecycle sync.Mutex
	closing   bool
	wg        sync.WaitGroup
}

// NewManager creates a download manager.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts:     opts,
		client:   opts.Client,
		pool:     semaphore.NewWeighted(int64(opts.Workers)),
		registry: NewJobRegistry(opts.Workers * 2),
	}
	if opts.BandwidthLimit > 0 {
		burst := int(min(opts.BandwidthLimit, 1<<20))
		m.bandwidth = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}
	return m
}

// Start validates req, probes the server and launches the transfer in the
// background. The returned JobInfo describes the registered job.
func (m *Manager) Start(ctx context.Context, req Request) (JobInfo, error) {
	if m.isClosing() {
		return JobInfo{}, ErrShuttingDown
	}
	req.GameID = strings.TrimSpace(req.GameID)
	if req.GameID == "" {
		return JobInfo{}, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if !validURL(req.URL) {
		return JobInfo{}, fmt.Errorf("%w: invalid url", ErrInvalidRequest)
	}
	if m.registry.Has(req.GameID) {
		return JobInfo{}, fmt.Errorf("%w: game %s", ErrAlreadyInProgress, req.GameID)
	}

	if err := Probe(ctx, m.client, probeTarget(m.opts.ProbeURL, req.URL), m.opts.ProbeTimeout); err != nil {
		return JobInfo{}, err
	}

	dir := ""
	if m.opts.Dirs != nil {
		d, err := m.opts.Dirs.DownloadDir(ctx)
		if err != nil {
			return JobInfo{}, fmt.Errorf("resolve download dir: %w", err)
		}
		dir = d
	}
	name := sanitizeFileName(req.FileName, req.URL)
	path := filepath.Join(dir, name)

	jctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	job := &Job{
		ID:        id,
		GameID:    req.GameID,
		URL:       req.URL,
		Dir:       dir,
		FileName:  name,
		Path:      path,
		PartPath:  partPath(path, id),
		StartedAt: time.Now(),
		ctx:       jctx,
		cancel:    cancel,
		state:     StateQueued,
		total:     -1,
	}
	job.progress = newProgressReporter(job, m.opts.Events, m.opts.ProgressInterval)

	m.lifecycle.Lock()
	if m.closing {
		m.lifecycle.Unlock()
		cancel(ErrShuttingDown)
		return JobInfo{}, ErrShuttingDown
	}
	if err := m.registry.Register(job); err != nil {
		m.lifecycle.Unlock()
		cancel(err)
		return JobInfo{}, err
	}
	m.wg.Add(1)
	m.lifecycle.Unlock()

	logging.LogDownloadStart(job.ID, job.GameID, job.URL, job.Path)
	go m.run(job)
	return job.Info(), nil
}

func validURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Cancel stops the active job for gameID. The job cleans up asynchronously.
func (m *Manager) Cancel(gameID string) error {
	job := m.registry.Get(gameID)
	if job == nil {
		return fmt.Errorf("%w: no active download for %s", ErrNotFound, gameID)
	}
	job.cancel(ErrJobCancelled)
	return nil
}

// Active returns the job for gameID if one is running.
func (m *Manager) Active(gameID string) (JobInfo, bool) {
	job := m.registry.Get(gameID)
	if job == nil {
		return JobInfo{}, false
	}
	return job.Info(), true
}

// Snapshot returns every active job, oldest first.
func (m *Manager) Snapshot() []JobInfo {
	return m.registry.Snapshot()
}

// StopAccepting makes Start fail with ErrShuttingDown; running jobs continue.
func (m *Manager) StopAccepting() {
	m.lifecycle.Lock()
	m.closing = true
	m.lifecycle.Unlock()
}

func (m *Manager) isClosing() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.closing
}

// Shutdown cancels every job and waits for cleanup. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.StopAccepting()
	for _, job := range m.registry.Jobs() {
		job.cancel(ErrJobCancelled)
	}
	m.wg.Wait()
}

func (m *Manager) run(job *Job) {
	defer m.wg.Done()
	defer m.registry.Remove(job.GameID, job.ID)
	defer job.cancel(nil)

	started := time.Now()
	job.setState(StateDownloading)

	err := m.transfer(job)
	if err == nil {
		err = m.finalize(job)
	}
	if err != nil {
		m.fail(job, err)
		return
	}

	logging.LogDownloadComplete(job.ID, job.GameID, job.Path, fileSize(job.Path), time.Since(started))
	m.publish(events.TopicDownloadComplete, events.DownloadComplete{ID: job.GameID})
	m.postProcess(job)
	job.setState(StateCompleted)
}

// transfer moves the remote bytes into the part file.
func (m *Manager) transfer(job *Job) error {
	if job.Dir != "" {
		if err := os.MkdirAll(job.Dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", job.Dir, err)
		}
	}

	info := m.discover(job.ctx, job.URL)
	if err := m.cancelled(job); err != nil {
		return err
	}
	if info.total > 0 {
		if err := checkSpace(job.ctx, m.opts.FreeSpace, job.Dir, info.total); err != nil {
			return err
		}
	}

	if info.ranged {
		chunks := Plan(info.total, m.opts.Chunks, m.opts.MinSplitSize)
		if len(chunks) > 1 {
			job.setPlan(info.total, true, chunks)
			logging.LogDownloadPlan(job.ID, job.GameID, info.total, len(chunks), true)
			err := m.fetchRanged(job, chunks, info.total)
			if !errors.Is(err, errRangeIgnored) {
				return m.transferErr(job, err)
			}
			logging.LogDownloadError(job.ID, job.GameID, "range request ignored, restarting as single stream", err)
		}
	}

	chunk := Plan(info.total, 1, 0)[0]
	job.setPlan(info.total, false, []*Chunk{chunk})
	logging.LogDownloadPlan(job.ID, job.GameID, info.total, 1, false)
	return m.transferErr(job, m.fetchSingle(job, chunk))
}

// transferErr maps a context error caused by Cancel or Shutdown to
// ErrJobCancelled.
func (m *Manager) transferErr(job *Job, err error) error {
	if err == nil {
		return nil
	}
	if cerr := m.cancelled(job); cerr != nil {
		return cerr
	}
	return err
}

func (m *Manager) cancelled(job *Job) error {
	if job.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(job.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ErrJobCancelled
}

// finalize publishes 100%, moves the part file into place and records the
// game as downloaded.
func (m *Manager) finalize(job *Job) error {
	if err := m.cancelled(job); err != nil {
		return err
	}
	job.setState(StateFinalizing)
	if err := os.Rename(job.PartPath, job.Path); err != nil {
		return fmt.Errorf("finalize %s: %w", job.Path, err)
	}
	job.progress.finish()

	if m.opts.Catalog != nil {
		if err := m.opts.Catalog.SetDownloaded(job.ctx, job.GameID, true); err != nil {
			_ = os.Remove(job.Path)
			return fmt.Errorf("record download: %w", err)
		}
	}
	return nil
}

// postProcess unpacks recognized archives. Failure leaves the download
// complete and is reported as a warning.
func (m *Manager) postProcess(job *Job) {
	ex := m.opts.Extractor
	if ex == nil || !ex.Supports(job.Path) {
		return
	}
	job.setState(StateExtracting)
	dest := extract.DestDir(job.Path)
	err := ex.Extract(job.ctx, job.Path, dest)
	logging.LogExtraction(job.GameID, job.Path, dest, err)
	if err != nil {
		werr := fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		m.publish(events.TopicDownloadWarning, events.DownloadWarning{ID: job.GameID, Message: werr.Error()})
	}
}

// fail removes partial output and reports the job as removed.
func (m *Manager) fail(job *Job, err error) {
	job.progress.stop()
	_ = os.Remove(job.PartPath)
	if cerr := m.cancelled(job); cerr != nil {
		err = cerr
	}

	reason := err.Error()
	if errors.Is(err, ErrJobCancelled) {
		job.setState(StateCancelled)
		reason = ErrJobCancelled.Error()
		logging.LogDownloadRemoved(job.ID, job.GameID, reason)
	} else {
		job.setState(StateFailed)
		logging.LogDownloadError(job.ID, job.GameID, "download failed", err)
		logging.LogDownloadRemoved(job.ID, job.GameID, reason)
	}
	m.publish(events.TopicDownloadRemoved, events.DownloadRemoved{ID: job.GameID, Reason: reason})
}

func (m *Manager) publish(topic string, payload any) {
	if m.opts.Events == nil {
		return
	}
	m.opts.Events.Publish(events.Event{Topic: topic, Payload: payload})
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}
