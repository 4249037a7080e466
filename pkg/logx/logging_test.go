package logx

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spacewatch/internal/transport"
)

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "sorted fields",
			in:   `{"level":"warn","time":"x","message":"fetch failed","source":"alerts","err":"timeout"}`,
			want: "[WARN] fetch failed\n- err=timeout\n- source=alerts",
		},
		{name: "no level", in: `{"message":"hi"}`, want: "hi"},
		{name: "not json", in: "  plain line \n", want: "plain line"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := formatTelegramJSON([]byte(tc.in)); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmno", 12, "abcdefghi..."},
		{"abcdefghij", 4, "abcd"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFileSinkFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.log")
	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log := root.With(String("comp", "engine"))
	log.Debug("hidden")
	log.Info("cycle finished", Int("sources", 4), Err(errors.New("boom")), Err(nil))
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	if m["comp"] != "engine" || m["sources"] != float64(4) || m["err"] != "boom" || m["message"] != "cycle finished" {
		t.Fatalf("entry = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reported as zero")
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *captureSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	c.got <- struct{}{}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) SendImage(ctx context.Context, to transport.ChatTarget, img []byte, opt *transport.ImageOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func TestServiceFileAndTelegramSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spacewatch.log")
	sender := &captureSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     77,
			MinLevel:   "warn",
			RatePerSec: 5,
		},
	}, sender)

	log.Info("routine")
	log.Warn("source failed", String("source", "kp"))

	select {
	case <-sender.got:
	case <-time.After(3 * time.Second):
		t.Fatal("warning never reached the telegram sink")
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	sender.mu.Lock()
	msgs := append([]string(nil), sender.msgs...)
	sender.mu.Unlock()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "[WARN] source failed") || !strings.Contains(msgs[0], "- source=kp") {
		t.Fatalf("telegram messages = %q", msgs)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"routine"`) || !strings.Contains(string(b), `"source failed"`) {
		t.Fatalf("log file = %s", b)
	}
}
