package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spacewatch/internal/render"
	"spacewatch/internal/transport"
	logx "spacewatch/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	errs   []error // consumed one per call; nil entries succeed
	texts  []string
	images [][]byte
	opts   []*transport.ImageOptions
	calls  int
}

func (f *fakeSender) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return transport.MessageRef{}, err
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) SendImage(ctx context.Context, to transport.ChatTarget, img []byte, opt *transport.ImageOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return transport.MessageRef{}, err
	}
	f.images = append(f.images, img)
	f.opts = append(f.opts, opt)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func fastConfig(retries int) Config {
	return Config{
		RatePerSec:    1000,
		Burst:         10,
		RetryMax:      retries,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

var target = transport.ChatTarget{ChatID: -100123}

func TestDispatchText(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	d := New(fastConfig(2), fs, target, logx.Nop())
	ref, err := d.Dispatch(context.Background(), "alerts", render.Payload{Kind: render.PayloadText, Text: "hello"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ref.ChatID != target.ChatID || len(fs.texts) != 1 || fs.texts[0] != "hello" {
		t.Fatalf("ref = %+v, texts = %v", ref, fs.texts)
	}
}

func TestDispatchImageCarriesOptions(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	d := New(fastConfig(0), fs, target, logx.Nop())
	_, err := d.Dispatch(context.Background(), "kp", render.Payload{Kind: render.PayloadImage, Image: []byte{1, 2}, Caption: "Kp", Silent: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fs.images) != 1 || fs.opts[0].Caption != "Kp" || !fs.opts[0].Silent {
		t.Fatalf("images = %v, opts = %+v", fs.images, fs.opts)
	}
}

func TestDispatchRetries(t *testing.T) {
	t.Parallel()
	transient := &transport.SendError{Err: errors.New("502 bad gateway")}
	permanent := &transport.SendError{Err: errors.New("chat not found"), Permanent: true}

	cases := []struct {
		name      string
		errs      []error
		retries   int
		wantErr   bool
		wantKind  ErrorKind
		wantCalls int
	}{
		{name: "transient then success", errs: []error{transient, nil}, retries: 2, wantCalls: 2},
		{name: "transient exhausted", errs: []error{transient, transient, transient}, retries: 2, wantErr: true, wantKind: Transient, wantCalls: 3},
		{name: "permanent not retried", errs: []error{permanent}, retries: 2, wantErr: true, wantKind: Permanent, wantCalls: 1},
		{name: "unclassified is transient", errs: []error{errors.New("boom"), nil}, retries: 1, wantCalls: 2},
		{name: "flood wait honored", errs: []error{&transport.SendError{Err: errors.New("flood"), RetryAfter: 10 * time.Millisecond}, nil}, retries: 1, wantCalls: 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{errs: tc.errs}
			d := New(fastConfig(tc.retries), fs, target, logx.Nop())
			_, err := d.Dispatch(context.Background(), "alerts", render.Payload{Kind: render.PayloadText, Text: "x"})
			if fs.calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", fs.calls, tc.wantCalls)
			}
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("Dispatch: %v", err)
				}
				return
			}
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *DeliveryError", err)
			}
			if de.Kind != tc.wantKind || de.SourceID != "alerts" || de.Attempts != tc.wantCalls {
				t.Fatalf("DeliveryError = %+v", de)
			}
		})
	}
}

func TestDispatchFloodWaitDelays(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{errs: []error{&transport.SendError{Err: errors.New("flood"), RetryAfter: 60 * time.Millisecond}}}
	d := New(fastConfig(1), fs, target, logx.Nop())
	start := time.Now()
	if _, err := d.Dispatch(context.Background(), "alerts", render.Payload{Kind: render.PayloadText, Text: "x"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if el := time.Since(start); el < 60*time.Millisecond {
		t.Fatalf("retried after %v, before the requested wait", el)
	}
}

func TestDispatchCanceled(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{errs: []error{errors.New("timeout")}}
	cfg := fastConfig(3)
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	d := New(cfg, fs, target, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, "alerts", render.Payload{Kind: render.PayloadText, Text: "x"})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != Transient {
		t.Fatalf("err = %v, want transient DeliveryError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want to wrap deadline", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}

// chunkSender splits texts into fixed-size chunks, one call per chunk, and
// fails the calls listed in fail the way a chat adapter reports a partial send.
type chunkSender struct {
	fakeSender
	size      int
	fail      map[int]bool
	delivered []string
}

func (c *chunkSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := []rune(text)
	var first transport.MessageRef
	for i := 0; i*c.size < len(rs); i++ {
		c.calls++
		start := i * c.size
		if c.fail[c.calls] {
			se := &transport.SendError{Err: errors.New("500 internal")}
			if i > 0 {
				se.Sent, se.Remaining = i, string(rs[start:])
			}
			return first, se
		}
		c.delivered = append(c.delivered, string(rs[start:min(start+c.size, len(rs))]))
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: c.calls}
		}
	}
	return first, nil
}

func TestDispatchResumesPartialText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		fail      map[int]bool
		wantCalls int
		wantRef   int
		want      []string
	}{
		{name: "second chunk fails once", fail: map[int]bool{2: true}, wantCalls: 4, wantRef: 1, want: []string{"aaaa", "bbbb", "cc"}},
		{name: "third chunk fails once", fail: map[int]bool{3: true}, wantCalls: 4, wantRef: 1, want: []string{"aaaa", "bbbb", "cc"}},
		{name: "first chunk fails once", fail: map[int]bool{1: true}, wantCalls: 4, wantRef: 2, want: []string{"aaaa", "bbbb", "cc"}},
		{name: "resume fails again", fail: map[int]bool{2: true, 4: true}, wantCalls: 5, wantRef: 1, want: []string{"aaaa", "bbbb", "cc"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cs := &chunkSender{size: 4, fail: tc.fail}
			d := New(fastConfig(2), cs, target, logx.Nop())
			ref, err := d.Dispatch(context.Background(), "alerts", render.Payload{Kind: render.PayloadText, Text: "aaaabbbbcc"})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if cs.calls != tc.wantCalls || ref.MessageID != tc.wantRef {
				t.Fatalf("calls = %d ref = %+v, want %d calls and message %d", cs.calls, ref, tc.wantCalls, tc.wantRef)
			}
			if len(cs.delivered) != len(tc.want) {
				t.Fatalf("delivered = %v, want %v", cs.delivered, tc.want)
			}
			for i := range tc.want {
				if cs.delivered[i] != tc.want[i] {
					t.Fatalf("delivered = %v, want %v", cs.delivered, tc.want)
				}
			}
		})
	}
}
