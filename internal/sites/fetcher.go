package sites

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/metrics"
	"harvestline/internal/ratelimit"
)

const (
	defaultUserAgent   = "harvestline/0.1 (+https://github.com/harvestline)"
	maxBodyBytes       = 10 << 20
	defaultMaxBackoff  = 15 * time.Minute
	epochSecondsCutoff = 1_000_000_000
	// maxPageSkips bounds how many rejected pages in a row a paged fetch tolerates.
	maxPageSkips = 3
)

// errSkip marks a request rejected with a non-throttling 4xx; the run continues.
var errSkip = errors.New("request skipped")

type fetcher struct {
	site      config.SiteConfig
	bucket    *ratelimit.Bucket
	client    *http.Client
	maxWait   time.Duration
	retries   int
	backoff   time.Duration
	userAgent string
	log       *slog.Logger
	throttles atomic.Int32
}

func newFetcher(sc config.SiteConfig, bucket *ratelimit.Bucket, opts Options) *fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &fetcher{
		site:      sc,
		bucket:    bucket,
		client:    client,
		maxWait:   opts.MaxWait,
		retries:   opts.Retries,
		backoff:   backoff,
		userAgent: ua,
		log:       logger.With("site", sc.Name),
	}
}

type requestFunc func(ctx context.Context) (*http.Request, error)

// do runs one logical upstream call through the site's bucket with the
// retry and throttling rules shared by all adapters. Writes are attempted
// once, and a 403 on a write is a refusal rather than throttling.
func (f *fetcher) do(ctx context.Context, write bool, build requestFunc) ([]byte, error) {
	retries := f.retries
	if write {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, f.backoff<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		waitStart := time.Now()
		if err := f.bucket.Acquire(ctx, f.maxWait); err != nil {
			metrics.RateLimitWaits.WithLabelValues(f.site.Name, "exceeded").Observe(time.Since(waitStart).Seconds())
			return nil, err
		}
		metrics.RateLimitWaits.WithLabelValues(f.site.Name, "acquired").Observe(time.Since(waitStart).Seconds())
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", f.userAgent)
		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			f.log.Warn("upstream request failed", "url", req.URL.String(), "attempt", attempt+1, "err", err)
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		f.observe(resp.Header)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			f.throttles.Store(0)
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || (!write && resp.StatusCode == http.StatusForbidden):
			delay := f.throttleDelay(resp.Header)
			f.bucket.Backoff(time.Now().Add(delay))
			f.log.Warn("upstream throttled", "status", resp.StatusCode, "backoff", delay.String())
			return nil, fmt.Errorf("%w: site %s: HTTP %d, backing off %s", domain.ErrRateLimitExceeded, f.site.Name, resp.StatusCode, delay)
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && write:
			f.log.Warn("upstream refused write", "url", req.URL.String(), "status", resp.StatusCode)
			return nil, fmt.Errorf("site %s: HTTP %d: %s", f.site.Name, resp.StatusCode, snippet(body))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			f.log.Info("upstream rejected request", "url", req.URL.String(), "status", resp.StatusCode)
			return nil, fmt.Errorf("%w: HTTP %d: %s", errSkip, resp.StatusCode, snippet(body))
		default:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(body))
			f.log.Warn("upstream server error", "url", req.URL.String(), "attempt", attempt+1, "status", resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("%w: site %s after %d attempts: %v", domain.ErrSiteUnavailable, f.site.Name, retries+1, lastErr)
}

func (f *fetcher) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	body, err := f.do(ctx, false, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: site %s: decode %s: %v", domain.ErrMalformedUpstream, f.site.Name, url, err)
	}
	return nil
}

func (f *fetcher) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := f.do(ctx, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode post response: %v", domain.ErrMalformedUpstream, err)
	}
	return nil
}

// observe feeds upstream quota headers to the bucket.
func (f *fetcher) observe(h http.Header) {
	raw := h.Get("X-Ratelimit-Remaining")
	if raw == "" {
		return
	}
	remaining, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return
	}
	reset, _ := parseReset(h.Get("X-Ratelimit-Reset"), time.Now())
	f.bucket.Observe(int(remaining), reset)
}

// throttleDelay prefers upstream guidance and falls back to exponential backoff.
func (f *fetcher) throttleDelay(h http.Header) time.Duration {
	now := time.Now()
	n := f.throttles.Add(1)
	if d, ok := parseRetryAfter(h.Get("Retry-After"), now); ok {
		return d
	}
	if reset, ok := parseReset(h.Get("X-Ratelimit-Reset"), now); ok && reset.After(now) {
		return reset.Sub(now)
	}
	return exponential(f.backoff, int(n))
}

func exponential(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	d := base << (n - 1)
	if d <= 0 || d > defaultMaxBackoff {
		return defaultMaxBackoff
	}
	return d
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now), true
	}
	return 0, false
}

// parseReset accepts either an epoch timestamp (GitHub) or seconds until reset (Reddit).
func parseReset(v string, now time.Time) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	if n >= epochSecondsCutoff {
		return time.Unix(int64(n), 0), true
	}
	return now.Add(time.Duration(n * float64(time.Second))), true
}

// unixTime leaves a missing timestamp as the zero time so it reads as unknown.
func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// terminal reports whether an error ends the site's run.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrRateLimitExceeded) ||
		errors.Is(err, domain.ErrSiteUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
