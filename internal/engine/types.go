package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"spacewatch/internal/render"
	"spacewatch/internal/source"
	"spacewatch/internal/transport"
)

type CommitPolicy string

const (
	// OnSuccess records a fingerprint only after the channel confirmed
	// delivery. Failed items stay eligible next cycle.
	OnSuccess CommitPolicy = "on_success"
	// AfterAttempt records a fingerprint once dispatch returned, whatever
	// the outcome.
	AfterAttempt CommitPolicy = "after_attempt"
)

const DefaultRecentWindow = 16

type Config struct {
	// MaxParallel bounds concurrent source pipelines; 0 means one per source.
	MaxParallel    int
	CommitPolicy   CommitPolicy
	SeedOnFirstRun bool
	// RecentWindow is how many recent fingerprints a Matcher source is
	// compared against.
	RecentWindow int
}

// Source pairs an adapter with its presentation settings.
type Source struct {
	Adapter source.Adapter
	Render  render.Options
}

type Renderer interface {
	Render(it source.Item, opts render.Options) (render.Payload, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, sourceID string, p render.Payload) (transport.MessageRef, error)
}

// Pipeline stages, used in reports and failure events.
const (
	StageFetch     = "fetch"
	StageNormalize = "normalize"
	StageDedup     = "dedup"
	StageRender    = "render"
	StageDispatch  = "dispatch"
	StageCommit    = "commit"
)

type StageError struct {
	Stage       string
	Fingerprint string
	Err         error
}

func (e StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e StageError) Unwrap() error { return e.Err }

type SourceReport struct {
	SourceID string
	// Skipped is set when the previous pipeline for this source was still in flight.
	Skipped    bool
	Items      int
	New        int
	Dispatched int
	Committed  int
	Seeded     int
	// Deferred counts new items with nothing to render yet; they stay
	// uncommitted and are tried again next cycle.
	Deferred int
	Errors       []StageError
	Duration   time.Duration
}

func (r SourceReport) Failed() bool { return len(r.Errors) > 0 }

type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Sources    []SourceReport
}

func (r CycleReport) Failed() int {
	n := 0
	for _, s := range r.Sources {
		if s.Failed() {
			n++
		}
	}
	return n
}

func (r CycleReport) Dispatched() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Dispatched
	}
	return n
}

// Err joins every stage error of the cycle.
func (r CycleReport) Err() error {
	var errs []error
	for _, s := range r.Sources {
		for _, e := range s.Errors {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

func (r CycleReport) Source(id string) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.SourceID == id {
			return s, true
		}
	}
	return SourceReport{}, false
}

// runState tracks whether a source pipeline is already in flight.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}
