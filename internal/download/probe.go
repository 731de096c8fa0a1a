package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultProbeTimeout bounds a liveness probe.
const DefaultProbeTimeout = 5 * time.Second

// Probe checks that target answers with a 2xx status: HEAD first, GET when
// HEAD fails or is refused.
func Probe(ctx context.Context, client *http.Client, target string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headErr := probeOnce(ctx, client, http.MethodHead, target)
	if headErr == nil {
		return nil
	}
	if err := probeOnce(ctx, client, http.MethodGet, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrServerUnreachable, target, err)
	}
	return nil
}

func probeOnce(ctx context.Context, client *http.Client, method, target string) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Code: resp.StatusCode}
	}
	return nil
}

// probeTarget returns probeURL, or the origin of downloadURL when unset.
func probeTarget(probeURL, downloadURL string) string {
	if probeURL != "" {
		return probeURL
	}
	u, err := url.Parse(downloadURL)
	if err != nil {
		return downloadURL
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
}
