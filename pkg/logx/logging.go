package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spacewatch/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors warnings and errors into an operator chat, apart
// from the notification channel subscribers read.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath = "./spacewatch.log"
	chatQueueSize  = 128
	chatSendLimit  = 10 * time.Second
	chatMessageMax = 3500
	chatValueMax   = 600
)

// Field adds one key to an entry. Later fields win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field {
	return func(e *zerolog.Event) { e.Bool(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err attaches err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger writes through a Service, or through a fixed zerolog logger when
// built by Nop or NewConsole. The zero value drops everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole logs to stdout until the Service is configured.
func NewConsole(level string) Logger {
	setGlobals()
	zl := newRoot(consoleWriter(os.Stdout), parseLevel(level, zerolog.InfoLevel))
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	var zl zerolog.Logger
	switch {
	case l.svc != nil:
		zl = l.svc.current()
	case l.fixed != nil:
		zl = *l.fixed
	default:
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Debug/Info/... -> write -> caller.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func setGlobals() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

func newRoot(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i interface{}) string {
			s, _ := i.(string)
			return s
		},
	}
}

// Service owns the log sinks.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	cfg      Config
	file     *os.File
	limiter  *rate.Limiter
	minLevel zerolog.Level

	sender    transport.Sender
	queue     chan chatLine
	startChat sync.Once
	stopChat  context.CancelFunc
	chatWG    sync.WaitGroup
}

type chatLine struct {
	to   transport.ChatTarget
	text string
}

// New builds the Service, applies cfg and returns it with a root Logger.
// sender may be nil, which disables the operator chat sink.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{sender: sender, queue: make(chan chatLine, chatQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.stopChat
	s.file, s.stopChat = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.chatWG.Wait()
	}
	if f == nil {
		return nil
	}
	return f.Close()
}

// Apply rebuilds the sinks from cfg. It is safe to call concurrently with
// logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.sender != nil {
		s.startChat.Do(s.runChatWorker)
		sinks = append(sinks, chatSink{s})
		if cfg.Telegram.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: logging.telegram is enabled without a chat_id")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// runChatWorker is called with s.mu held.
func (s *Service) runChatWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopChat = cancel
	s.chatWG.Add(1)
	go func() {
		defer s.chatWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-s.queue:
				sctx, done := context.WithTimeout(ctx, chatSendLimit)
				_, _ = s.sender.SendText(sctx, line.to, line.text, &transport.SendOptions{DisablePreview: true})
				done()
			}
		}
	}()
}

// chatSink forwards entries at or above the configured level to the
// operator chat, rate limited and without ever blocking the caller.
type chatSink struct{ svc *Service }

func (c chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := c.svc
	s.mu.Lock()
	to := transport.ChatTarget{ChatID: s.cfg.Telegram.ChatID, ThreadID: s.cfg.Telegram.ThreadID}
	lim, minLevel := s.limiter, s.minLevel
	s.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramJSON(p); text != "" {
		select {
		case s.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON turns a zerolog JSON line into "[LEVEL] msg" followed by
// sorted "- key=value" lines.
func formatTelegramJSON(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, chatMessageMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatValueMax))
	}
	return truncate(b.String(), chatMessageMax)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
