// Package dispatch delivers rendered payloads to the notification channel.
//
// Sends are serialized through one rate limiter shared by all sources, and
// only transient failures are retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spacewatch/internal/render"
	"spacewatch/internal/transport"
	logx "spacewatch/pkg/logx"
)

type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

type DeliveryError struct {
	SourceID string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %s after %d attempt(s): %v", e.SourceID, e.Kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Dispatcher struct {
	mu      sync.Mutex
	log     logx.Logger
	sender  transport.Sender
	target  transport.ChatTarget
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sender transport.Sender, target transport.ChatTarget, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		log:     log,
		sender:  sender,
		target:  target,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Dispatch delivers p and returns once the channel confirmed it or retries
// are exhausted. Failures are *DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, sourceID string, p render.Payload) (transport.MessageRef, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	sender := d.sender
	target := d.target
	log := d.log
	d.mu.Unlock()

	if sender == nil {
		return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Permanent, Err: errors.New("no sender configured")}
	}
	if p.Kind != render.PayloadText && p.Kind != render.PayloadImage {
		return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Permanent, Err: fmt.Errorf("unknown payload kind %q", p.Kind)}
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	// head is the first message of a text that was partly delivered; retries
	// then carry only the undelivered rest.
	var head *transport.MessageRef
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Transient, Attempts: attempt - 1, Err: errors.Join(lastErr, err)}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := send(callCtx, sender, target, p)
		cancel()
		if err == nil {
			if head != nil {
				return *head, nil
			}
			return ref, nil
		}
		lastErr = err
		if rest, ok := transport.Unsent(err); ok && p.Kind == render.PayloadText {
			if head == nil {
				head = &ref
			}
			p.Text = rest
		}

		if transport.IsPermanent(err) {
			return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Permanent, Attempts: attempt, Err: err}
		}
		log.Debug("send failed",
			logx.String("source", sourceID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}

		delay := max(retryDelay(cfg, attempt), transport.RetryAfter(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Transient, Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		}
	}
	return transport.MessageRef{}, &DeliveryError{SourceID: sourceID, Kind: Transient, Attempts: maxAttempts, Err: lastErr}
}

func send(ctx context.Context, s transport.Sender, to transport.ChatTarget, p render.Payload) (transport.MessageRef, error) {
	if p.Kind == render.PayloadImage {
		return s.SendImage(ctx, to, p.Image, &transport.ImageOptions{Caption: p.Caption, Silent: p.Silent})
	}
	return s.SendText(ctx, to, p.Text, &transport.SendOptions{DisablePreview: true, Silent: p.Silent})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}
