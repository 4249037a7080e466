package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultOffset         = 3 * time.Hour
	DefaultCacheBustParam = "t"
	DefaultMaxDistance    = 10
)

// Config describes one configured feed.
type Config struct {
	ID       string
	Kind     Kind
	URL      string
	Timeout  time.Duration
	Attempts int

	// Offset is the forecast observation zone offset, used as given: zero
	// is UTC. Callers apply DefaultOffset themselves.
	Offset time.Duration
	// snapshot
	CacheBustParam string
	MaxDistance    int
}

type base struct {
	id       string
	url      string
	timeout  time.Duration
	attempts int
	fetcher  *Fetcher
	now      func() time.Time
}

func (b *base) ID() string { return b.id }

func (b *base) get(ctx context.Context, url string) ([]byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	body, err := b.fetcher.Get(ctx, b.id, url, b.attempts)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fetchErr(b.id, "timeout", err)
		}
		return nil, err
	}
	return body, nil
}

// New builds the adapter for cfg.Kind.
func New(cfg Config, f *Fetcher) (Adapter, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("source id is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("source %s: url is required", id)
	}
	if f == nil {
		return nil, fmt.Errorf("source %s: fetcher is nil", id)
	}
	b := base{
		id:       id,
		url:      cfg.URL,
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		fetcher:  f,
		now:      time.Now,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}

	switch cfg.Kind {
	case KindAlerts:
		return &alertFeed{base: b}, nil
	case KindDiscussion:
		return &textBlob{base: b}, nil
	case KindForecast:
		return &forecastSeries{base: b, offset: cfg.Offset}, nil
	case KindSnapshot:
		param := strings.TrimSpace(cfg.CacheBustParam)
		if param == "" {
			param = DefaultCacheBustParam
		}
		dist := cfg.MaxDistance
		if dist < 0 {
			dist = DefaultMaxDistance
		}
		return &imageSnapshot{base: b, param: param, maxDistance: dist}, nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", id, cfg.Kind)
	}
}

// WithClock overrides the adapter clock used for fetch timestamps and
// cache busting.
func WithClock(a Adapter, now func() time.Time) Adapter {
	type clocked interface{ setClock(func() time.Time) }
	if c, ok := a.(clocked); ok && now != nil {
		c.setClock(now)
	}
	return a
}

func (b *base) setClock(now func() time.Time) { b.now = now }
