// Package ops serves the operator endpoints: /metrics, /healthz and,
// optionally, /debug/pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	logx "spacewatch/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
	Pprof   bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9464"
	}
	return c
}

// Health reports process health for /healthz. ok=false answers 503.
type Health func() (ok bool, detail any)

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	metrics http.Handler
	health  Health

	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(log logx.Logger, metrics http.Handler, health Health) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "ops")), metrics: metrics, health: health}
}

// Apply starts or stops the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/healthz", s.serveHealth)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ok, detail := true, any(nil)
	if s.health != nil {
		ok, detail = s.health()
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "detail": detail})
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(cfg), ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops server listening", logx.String("addr", addr), logx.Bool("pprof", cfg.Pprof))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	s.log.Info("ops server stopped", logx.String("addr", addr))
}

// Addr is the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
