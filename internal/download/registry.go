package download

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// JobRegistry holds the active jobs keyed by game ID. It is a pure state
// container: at most one job per game and per destination path, no download
// logic.
type JobRegistry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	paths map[string]string // destination path -> game ID
}

// NewJobRegistry creates a JobRegistry with the specified initial capacity.
func NewJobRegistry(capacity int) *JobRegistry {
	if capacity <= 0 {
		capacity = 32
	}
	return &JobRegistry{
		jobs:  make(map[string]*Job, capacity),
		paths: make(map[string]string, capacity),
	}
}

// Register adds job, failing with ErrAlreadyInProgress when its game already
// has an active job. When another active job already writes job.Path, the
// job is moved to the first free "name (n).ext" in the same directory and
// its FileName and PartPath follow.
func (r *JobRegistry) Register(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.GameID]; exists {
		return fmt.Errorf("%w: game %s", ErrAlreadyInProgress, job.GameID)
	}
	r.jobs[job.GameID] = job
	if job.Path == "" {
		return nil
	}
	if path := r.freePath(job.Path); path != job.Path {
		job.Path = path
		job.FileName = filepath.Base(path)
		job.PartPath = partPath(path, job.ID)
	}
	r.paths[job.Path] = job.GameID
	return nil
}

// freePath returns path, or a numbered variant no active job holds.
func (r *JobRegistry) freePath(path string) string {
	if _, held := r.paths[path]; !held {
		return path
	}
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, held := r.paths[candidate]; !held {
			return candidate
		}
	}
}

// partPath names the staging file of one job. The job ID keeps two jobs
// from ever sharing it.
func partPath(path, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return path + "." + short + ".part"
}

// Get returns the active job for gameID, or nil.
func (r *JobRegistry) Get(gameID string) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[gameID]
}

func (r *JobRegistry) Has(gameID string) bool {
	return r.Get(gameID) != nil
}

// Remove deletes the entry for gameID only if it still belongs to jobID.
// Returns true if an entry was removed.
func (r *JobRegistry) Remove(gameID, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[gameID]; ok && j.ID == jobID {
		delete(r.jobs, gameID)
		if r.paths[j.Path] == gameID {
			delete(r.paths, j.Path)
		}
		return true
	}
	return false
}

// Jobs returns the active jobs, oldest first.
func (r *JobRegistry) Jobs() []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].GameID < out[b].GameID
		}
		return out[a].StartedAt.Before(out[b].StartedAt)
	})
	return out
}

// Snapshot returns copies of every active job, oldest first.
func (r *JobRegistry) Snapshot() []JobInfo {
	jobs := r.Jobs()
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	return out
}

// Size returns the number of active jobs.
func (r *JobRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
