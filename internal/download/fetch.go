package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.bug.st/downloader/v2"
	"golang.org/x/sync/errgroup"

	"romfetch/internal/logging"
)

const copyBufferSize = 32 * 1024

// remoteInfo is what a HEAD request says about the resource.
type remoteInfo struct {
	total  int64
	ranged bool
}

// discover issues a HEAD request. Failures are not fatal: the caller falls
// back to a single unsized stream.
func (m *Manager) discover(ctx context.Context, target string) remoteInfo {
	info := remoteInfo{total: -1}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return info
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return info
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return info
	}
	if resp.ContentLength >= 0 {
		info.total = resp.ContentLength
	}
	info.ranged = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") && resp.ContentLength > 0
	return info
}

// fetchRanged transfers all chunks in parallel into a pre-sized part file.
func (m *Manager) fetchRanged(job *Job, chunks []*Chunk, total int64) error {
	f, err := os.OpenFile(job.PartPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", job.PartPath, err)
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return fmt.Errorf("pre-size %s: %w", job.PartPath, err)
	}

	g, gctx := errgroup.WithContext(job.ctx)
	for _, c := range chunks {
		g.Go(func() error {
			return m.withRetry(gctx, job, c, func(ctx context.Context) error {
				return m.fetchRangeAttempt(ctx, job, f, c)
			})
		})
	}
	err = g.Wait()
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", job.PartPath, cerr)
	}
	return err
}

// withRetry runs attempt until it succeeds, fails permanently, or the policy
// is exhausted. Each attempt resumes from the chunk's received bytes.
func (m *Manager) withRetry(ctx context.Context, job *Job, c *Chunk, attempt func(context.Context) error) error {
	policy := m.opts.Retry
	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			c.setStatus(ChunkDone)
			return nil
		}
		if ctx.Err() != nil {
			c.setStatus(ChunkPending)
			return ctx.Err()
		}
		if errors.Is(err, errRangeIgnored) {
			return err
		}
		if !isTransient(err) || n >= policy.MaxAttempts {
			c.setStatus(ChunkFailed)
			return fmt.Errorf("%w: chunk %d after %d attempt(s): %v", ErrChunkTransferFailed, c.Index, n, err)
		}

		delay := policy.Delay(n)
		logging.LogChunkRetry(job.ID, c.Index, n, delay, err)
		c.setStatus(ChunkPending)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// fetchRangeAttempt requests the unreceived tail of c and writes it at its
// offset. It holds one pool slot for the duration of the attempt.
func (m *Manager) fetchRangeAttempt(ctx context.Context, job *Job, f *os.File, c *Chunk) error {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.pool.Release(1)

	off := c.Start + c.Received()
	if off >= c.End {
		return nil
	}
	c.setStatus(ChunkActive)

	actx, wd := newWatchdog(ctx, m.opts.ChunkTimeout)
	defer wd.Cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, job.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, c.End-1))
	resp, err := m.client.Do(req)
	if err != nil {
		return wd.Err(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		return errRangeIgnored
	default:
		return &statusError{Code: resp.StatusCode}
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wd.Kick()
			if remaining := c.End - off; int64(n) > remaining {
				n = int(remaining)
			}
			if err := m.throttle(actx, n); err != nil {
				return wd.Err(err)
			}
			if _, err := f.WriteAt(buf[:n], off); err != nil {
				return fmt.Errorf("write %s: %w", job.PartPath, err)
			}
			off += int64(n)
			c.received.Add(int64(n))
			job.progress.update()
			if off >= c.End {
				return nil
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return wd.Err(rerr)
		}
	}
	if off < c.End {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// fetchSingle streams the whole resource with one connection. It is used when
// the remote does not support ranges or the file is too small to split.
// Every attempt starts from byte zero: a stream that broke off cannot be
// continued without ranges, and received must only count bytes that are in
// the part file.
func (m *Manager) fetchSingle(job *Job, c *Chunk) error {
	return m.withRetry(job.ctx, job, c, func(ctx context.Context) error {
		_ = os.Remove(job.PartPath)
		c.received.Store(0)
		return m.fetchSingleAttempt(ctx, job, c)
	})
}

func (m *Manager) fetchSingleAttempt(ctx context.Context, job *Job, c *Chunk) error {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.pool.Release(1)
	c.setStatus(ChunkActive)

	actx, wd := newWatchdog(ctx, m.opts.ChunkTimeout)
	defer wd.Cancel()

	cfg := downloader.Config{HttpClient: *m.client}
	d, err := downloader.DownloadWithConfigAndContext(actx, job.PartPath, job.URL, cfg)
	if err != nil {
		return wd.Err(&transportError{err: err})
	}
	if code := d.Resp.StatusCode; code < 200 || code > 299 {
		_ = d.Close()
		return &statusError{Code: code}
	}
	c.received.Store(d.Completed())

	err = d.RunAndPoll(func(current int64) {
		if current > c.Received() {
			wd.Kick()
			c.received.Store(current)
			job.progress.update()
		}
	}, m.pollInterval())
	if err != nil {
		return wd.Err(&transportError{err: err})
	}

	c.received.Store(d.Completed())
	if c.End >= 0 && c.Received() < c.Len() {
		return io.ErrUnexpectedEOF
	}
	// An empty resource leaves no file behind.
	if _, statErr := os.Stat(job.PartPath); os.IsNotExist(statErr) {
		if f, err := os.Create(job.PartPath); err == nil {
			f.Close()
		}
	}
	return nil
}

// transportError marks failures reported by the stream downloader, which
// flattens the underlying network error into text.
type transportError struct{ err error }

func (e *transportError) Error() string   { return e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Timeout() bool   { return false }
func (e *transportError) Temporary() bool { return true }

func (m *Manager) pollInterval() time.Duration {
	if m.opts.ProgressInterval > 0 {
		return m.opts.ProgressInterval
	}
	return 150 * time.Millisecond
}

// throttle blocks until the global bandwidth budget allows n more bytes.
func (m *Manager) throttle(ctx context.Context, n int) error {
	if m.bandwidth == nil {
		return nil
	}
	burst := m.bandwidth.Burst()
	for n > 0 {
		k := min(n, burst)
		if err := m.bandwidth.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
