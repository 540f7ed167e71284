// Package fetch downloads single tiles: connectivity gate, inter-request
// delay, PNG validation, atomic write and retry with linear backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/geoyee/tripcache/internal/client"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/network"
	"github.com/geoyee/tripcache/internal/util"
)

// Options tunes a Fetcher. Zero values take the defaults below, except
// MinRequestDelay where zero means no delay.
type Options struct {
	MinRequestDelay     time.Duration
	RequestTimeout      time.Duration
	ConnectivityTimeout time.Duration
	// MaxRetries is the number of extra attempts; negative disables retries.
	MaxRetries          int
	RetryBackoff        time.Duration
	DefaultRetryAfter   time.Duration
	MaxTileBytes        int64
}

// DefaultOptions returns the standard fetch settings.
func DefaultOptions() Options {
	return Options{
		MinRequestDelay:     100 * time.Millisecond,
		RequestTimeout:      10 * time.Second,
		ConnectivityTimeout: 30 * time.Second,
		MaxRetries:          2,
		RetryBackoff:        time.Second,
		DefaultRetryAfter:   2 * time.Second,
		MaxTileBytes:        2 << 20,
	}
}

// Fetcher downloads tiles. It knows nothing about batches or trips.
type Fetcher struct {
	client  *client.HTTPClient
	conn    network.Connectivity
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewFetcher fills unset opts from DefaultOptions.
func NewFetcher(httpClient *client.HTTPClient, conn network.Connectivity, opts Options, logger zerolog.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.ConnectivityTimeout <= 0 {
		opts.ConnectivityTimeout = def.ConnectivityTimeout
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = def.MaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if opts.MaxTileBytes <= 0 {
		opts.MaxTileBytes = def.MaxTileBytes
	}
	if conn == nil {
		conn = network.AlwaysOnline{}
	}
	return &Fetcher{
		client:  httpClient,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Every(opts.MinRequestDelay), 1),
		opts:    opts,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// SetMinRequestDelay changes the gap enforced between request starts. A
// non-positive delay disables the limit. Safe while fetches are running.
func (f *Fetcher) SetMinRequestDelay(d time.Duration) {
	f.limiter.SetLimit(rate.Every(d))
}

// Fetch downloads url to path once. An existing non-empty file counts as
// success without touching the network.
func (f *Fetcher) Fetch(ctx context.Context, url, path string) model.FetchResult {
	if size, ok := util.ExistingFileSize(path); ok {
		return model.FetchResult{Success: true, Bytes: size}
	}

	if !f.conn.IsConnected() {
		if !f.conn.WaitForConnection(ctx, f.opts.ConnectivityTimeout) {
			return networkFailure(ErrNoConnectivity)
		}
	}

	// rate.Limiter reserves the slot under its own lock and the wait happens
	// outside it.
	if err := f.limiter.Wait(ctx); err != nil {
		return networkFailure(fmt.Errorf("rate limit wait: %w", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	defer cancel()

	req, err := f.client.NewRequest(reqCtx, url)
	if err != nil {
		return model.FetchResult{Err: fmt.Errorf("create request: %w", err)}
	}
	resp, err := f.client.GetClient().Do(req)
	if err != nil {
		return networkFailure(err)
	}
	defer client.SafeCloseResponse(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfter(resp.Header.Get("Retry-After"), f.opts.DefaultRetryAfter)
		f.logger.Debug().Str("url", url).Dur("retry_after", delay).Msg("rate limited by tile server")
		if err := f.sleep(ctx, delay); err != nil {
			return networkFailure(err)
		}
		return networkFailure(ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode}
		if statusErr.Transient() {
			return networkFailure(statusErr)
		}
		return model.FetchResult{Err: statusErr}
	}

	return f.write(resp.Body, path)
}

// write validates the PNG header and streams the body to path via a .tmp
// sibling. The final path only ever holds a complete tile.
func (f *Fetcher) write(body io.Reader, path string) model.FetchResult {
	header := make([]byte, len(util.PNGSignature))
	if _, err := io.ReadFull(body, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return model.FetchResult{Err: ErrInvalidSignature}
		}
		return networkFailure(fmt.Errorf("read response: %w", err))
	}
	if !util.HasPNGSignature(header) {
		return model.FetchResult{Err: ErrInvalidSignature}
	}

	if err := util.EnsureDirExists(filepath.Dir(path)); err != nil {
		return model.FetchResult{Err: fmt.Errorf("create directory: %w", err)}
	}

	tmpPath := util.TempPath(path)
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return model.FetchResult{Err: fmt.Errorf("create temp file: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(header); err != nil {
		return model.FetchResult{Err: fmt.Errorf("write temp file: %w", err)}
	}
	limit := f.opts.MaxTileBytes - int64(len(header))
	n, err := io.Copy(tmp, io.LimitReader(body, limit+1))
	if err != nil {
		return networkFailure(fmt.Errorf("read response: %w", err))
	}
	if n > limit {
		return model.FetchResult{Err: ErrTooLarge}
	}
	if err := tmp.Close(); err != nil {
		return model.FetchResult{Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return model.FetchResult{Err: fmt.Errorf("commit tile: %w", err)}
	}
	committed = true

	return model.FetchResult{Success: true, Bytes: n + int64(len(header))}
}

// FetchWithRetry retries network-class failures with linear backoff
// (RetryBackoff x attempt). Other failures return immediately.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url, path string) model.FetchResult {
	var result model.FetchResult
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.opts.RetryBackoff*time.Duration(attempt)); err != nil {
				return networkFailure(err)
			}
		}
		result = f.Fetch(ctx, url, path)
		if result.Success || !result.IsNetworkError || ctx.Err() != nil {
			return result
		}
		f.logger.Debug().Err(result.Err).Str("url", url).Int("attempt", attempt+1).Msg("tile fetch failed, retrying")
	}
	return result
}

func networkFailure(err error) model.FetchResult {
	return model.FetchResult{IsNetworkError: true, Err: err}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
