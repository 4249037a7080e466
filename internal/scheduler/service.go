// Package scheduler fires the poll cycle and maintenance jobs on cron or
// interval schedules. A job whose previous run is still in flight is
// skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "spacewatch/pkg/logx"
)

type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration // 0: no per-run bound
	Run     func(ctx context.Context)
}

type entry struct {
	job     Job
	spec    ParsedSpec
	id      cron.EntryID
	running atomic.Bool
	skipped atomic.Uint64
}

type Service struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
}

func New(timezone string, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	// SecondOptional accepts both 5- and 6-field expressions.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		log:     log,
		parser:  parser,
		loc:     loc,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{log}))),
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// Add registers job. It may be called before or after Start.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and func are required")
	}
	spec, err := ParseSchedule(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if _, err := s.parser.Parse(spec.Expr()); err != nil {
		return fmt.Errorf("job %s: invalid cron %q: %w", job.Name, spec.Expr(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job, spec: spec}
	id, err := s.c.AddFunc(spec.Expr(), func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	e.id = id
	s.entries[job.Name] = e
	s.log.Debug("job registered", logx.String("job", job.Name), logx.String("schedule", spec.Expr()))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
	for name, next := range s.Next() {
		s.log.Info("job scheduled", logx.String("job", name), logx.Time("next", next))
	}
}

// Stop stops triggering and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs the named job through the same overlap guard as scheduled
// runs. It reports false when the job was skipped or is unknown.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	e := s.entries[name]
	s.mu.Unlock()
	if e == nil {
		return false
	}
	return s.fire(e)
}

// Next returns the next activation time per job.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		out[name] = s.c.Entry(e.id).Next
	}
	return out
}

// Skipped is how many activations of the job were dropped by the guard.
func (s *Service) Skipped(name string) uint64 {
	s.mu.Lock()
	e := s.entries[name]
	s.mu.Unlock()
	if e == nil {
		return 0
	}
	return e.skipped.Load()
}

func (s *Service) fire(e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Warn("previous run still in flight; skipping", logx.String("job", e.job.Name))
		return false
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	e.job.Run(ctx)
	return true
}

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
