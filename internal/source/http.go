package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	logx "spacewatch/pkg/logx"
)

const maxBodyBytes = 16 << 20

// Fetcher performs the plain HTTP GETs shared by all adapters.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	// Attempts per GET (>= 1). Only network errors, 429 and 5xx are retried.
	Attempts     int
	RetryInitial time.Duration
	RetryMax     time.Duration
	Log          logx.Logger
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func NewFetcher(client *http.Client, userAgent string, log logx.Logger) *Fetcher {
	if client == nil {
		client = NewHTTPClient(60 * time.Second)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		Client:       client,
		UserAgent:    userAgent,
		Attempts:     3,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     5 * time.Second,
		Log:          log,
	}
}

type statusError struct{ code int }

func (e statusError) Error() string { return http.StatusText(e.code) }

func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Get fetches url and returns the body. attempts overrides f.Attempts when > 0.
func (f *Fetcher) Get(ctx context.Context, sourceID, url string, attempts int) ([]byte, error) {
	if attempts <= 0 {
		attempts = max(1, f.Attempts)
	}
	var body []byte
	err := retry(ctx, attempts, f.RetryInitial, f.RetryMax, func(attempt int) error {
		b, err := f.get(ctx, url)
		if err != nil {
			if attempt < attempts && retryable(err) {
				f.Log.Debug("fetch attempt failed", logx.String("source", sourceID), logx.Int("attempt", attempt), logx.Err(err))
			}
			return err
		}
		body = b
		return nil
	})
	if err == nil {
		return body, nil
	}
	var se statusError
	if errors.As(err, &se) {
		return nil, &FetchError{SourceID: sourceID, Op: "status", Status: se.code, Err: err}
	}
	return nil, fetchErr(sourceID, "get", err)
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, permanent{err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, statusError{code: resp.StatusCode}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, permanent{fmt.Errorf("body exceeds %d bytes", maxBodyBytes)}
	}
	return b, nil
}

// permanent marks an error that retrying cannot fix.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// retry runs fn up to attempts times with exponential backoff.
func retry(ctx context.Context, attempts int, initial, maxDelay time.Duration, fn func(attempt int) error) error {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	d := initial
	var err error
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			}
			d = min(d*2, maxDelay)
		}
		err = fn(i)
		if err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) || !retryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
