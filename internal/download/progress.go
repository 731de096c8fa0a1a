package download

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"romfetch/internal/events"
)

// progressReporter publishes a job's percentage, rate limited and never
// decreasing. Intermediate values stop at 99.99; finish emits 100.00.
type progressReporter struct {
	job     *Job
	pub     events.Publisher
	limiter *rate.Limiter

	mu   sync.Mutex
	last float64
	done bool
}

func newProgressReporter(job *Job, pub events.Publisher, interval time.Duration) *progressReporter {
	lim := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &progressReporter{job: job, pub: pub, limiter: lim, last: -1}
}

// update is called after every received block.
func (p *progressReporter) update() {
	pct := p.job.percent()
	if pct < 0 {
		return
	}
	pct = math.Min(math.Floor(pct*100)/100, 99.99)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || pct <= p.last || !p.limiter.Allow() {
		return
	}
	p.last = pct
	p.emit(pct)
}

// finish publishes 100.00 and silences the reporter.
func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.last = 100
	p.emit(100)
}

// stop silences the reporter without a final event.
func (p *progressReporter) stop() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *progressReporter) emit(pct float64) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(events.Event{
		Topic:   events.TopicDownloadProgress,
		Payload: events.DownloadProgress{ID: p.job.GameID, Percent: fmt.Sprintf("%.2f", pct)},
	})
}
