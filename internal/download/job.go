package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateFinalizing  State = "finalizing"
	StateExtracting  State = "extracting"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

type ChunkStatus int32

const (
	ChunkPending ChunkStatus = iota
	ChunkActive
	ChunkDone
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkActive:
		return "active"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Chunk is the byte range [Start, End) of one transfer unit. End is -1 when
// the total length is unknown.
type Chunk struct {
	Index int
	Start int64
	End   int64

	received atomic.Int64
	status   atomic.Int32
}

func (c *Chunk) Len() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start
}

func (c *Chunk) Received() int64         { return c.received.Load() }
func (c *Chunk) Status() ChunkStatus     { return ChunkStatus(c.status.Load()) }
func (c *Chunk) setStatus(s ChunkStatus) { c.status.Store(int32(s)) }

// Job is one in-flight download. Fields above mu are fixed at start.
type Job struct {
	ID        string
	GameID    string
	URL       string
	Dir       string
	FileName  string
	Path      string
	PartPath  string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	progress *progressReporter

	mu     sync.RWMutex
	state  State
	total  int64
	ranged bool
	chunks []*Chunk
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) setPlan(total int64, ranged bool, chunks []*Chunk) {
	j.mu.Lock()
	j.total = total
	j.ranged = ranged
	j.chunks = chunks
	j.mu.Unlock()
}

// received sums bytes across chunks.
func (j *Job) received() (got, total int64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, c := range j.chunks {
		got += c.Received()
	}
	return got, j.total
}

// percent reports completion in [0, 100], or -1 while the total is unknown.
func (j *Job) percent() float64 {
	got, total := j.received()
	if total <= 0 {
		return -1
	}
	p := float64(got) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// ChunkInfo is a point-in-time copy of a Chunk.
type ChunkInfo struct {
	Index    int    `json:"index"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Received int64  `json:"received"`
	Status   string `json:"status"`
}

// JobInfo is a point-in-time copy of a Job, safe to hand to callers.
type JobInfo struct {
	ID        string      `json:"id"`
	GameID    string      `json:"game_id"`
	URL       string      `json:"url"`
	Path      string      `json:"path"`
	PartPath  string      `json:"part_path"`
	State     State       `json:"state"`
	Total     int64       `json:"total"`
	Received  int64       `json:"received"`
	Percent   string      `json:"percent,omitempty"`
	Ranged    bool        `json:"ranged"`
	Chunks    []ChunkInfo `json:"chunks"`
	StartedAt time.Time   `json:"started_at"`
}

func (j *Job) Info() JobInfo {
	j.mu.RLock()
	info := JobInfo{
		ID:        j.ID,
		GameID:    j.GameID,
		URL:       j.URL,
		Path:      j.Path,
		PartPath:  j.PartPath,
		State:     j.state,
		Total:     j.total,
		Ranged:    j.ranged,
		Chunks:    make([]ChunkInfo, 0, len(j.chunks)),
		StartedAt: j.StartedAt,
	}
	for _, c := range j.chunks {
		r := c.Received()
		info.Received += r
		info.Chunks = append(info.Chunks, ChunkInfo{
			Index:    c.Index,
			Start:    c.Start,
			End:      c.End,
			Received: r,
			Status:   c.Status().String(),
		})
	}
	j.mu.RUnlock()

	if info.Total > 0 {
		info.Percent = fmt.Sprintf("%.2f", min(float64(info.Received)/float64(info.Total)*100, 100))
	}
	return info
}
