// Package engine runs poll cycles: every configured source goes through
// fetch, normalize, dedup, render, dispatch and commit, isolated from the
// others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"spacewatch/internal/eventbus"
	"spacewatch/internal/render"
	"spacewatch/internal/source"
	"spacewatch/internal/storage"
	logx "spacewatch/pkg/logx"
)

type Deps struct {
	Store      storage.Store
	Renderer   Renderer
	Dispatcher Dispatcher
	Bus        eventbus.Bus // optional
	Log        logx.Logger
	Now        func() time.Time
}

type Engine struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	render  Renderer
	disp    Dispatcher
	bus     eventbus.Bus
	now     func() time.Time
	sources []Source
	states  map[string]*runState

	mu   sync.Mutex
	last *CycleReport
}

func New(cfg Config, deps Deps, sources []Source) (*Engine, error) {
	if deps.Store == nil || deps.Renderer == nil || deps.Dispatcher == nil {
		return nil, errors.New("engine: store, renderer and dispatcher are required")
	}
	switch cfg.CommitPolicy {
	case "":
		cfg.CommitPolicy = OnSuccess
	case OnSuccess, AfterAttempt:
	default:
		return nil, fmt.Errorf("engine: unknown commit policy %q", cfg.CommitPolicy)
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		store:  deps.Store,
		render: deps.Renderer,
		disp:   deps.Dispatcher,
		bus:    deps.Bus,
		now:    now,
		states: make(map[string]*runState, len(sources)),
	}
	for _, s := range sources {
		if s.Adapter == nil {
			return nil, errors.New("engine: nil adapter")
		}
		id := s.Adapter.ID()
		if _, dup := e.states[id]; dup {
			return nil, fmt.Errorf("engine: duplicate source id %q", id)
		}
		e.states[id] = &runState{}
		e.sources = append(e.sources, s)
	}
	return e, nil
}

// Init creates store partitions for every configured source.
func (e *Engine) Init(ctx context.Context) error {
	return e.store.Init(ctx, e.SourceIDs())
}

func (e *Engine) SourceIDs() []string {
	ids := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		ids = append(ids, s.Adapter.ID())
	}
	return ids
}

// Last returns the most recent finished cycle.
func (e *Engine) Last() (CycleReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return CycleReport{}, false
	}
	return *e.last, true
}

// RunCycle runs one pass over all sources. Source failures end up in the
// report; they never abort the other pipelines.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	rep := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: e.now(),
		Sources:   make([]SourceReport, len(e.sources)),
	}
	log := e.log.With(logx.String("cycle", rep.ID))
	log.Debug("cycle started", logx.Int("sources", len(e.sources)))
	e.publish(eventbus.CycleStarted, eventbus.CycleEvent{CycleID: rep.ID, Sources: len(e.sources)})

	limit := e.cfg.MaxParallel
	if limit <= 0 {
		limit = max(1, len(e.sources))
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range e.sources {
		g.Go(func() error {
			rep.Sources[i] = e.runSource(ctx, rep.ID, s, log)
			return nil
		})
	}
	_ = g.Wait()

	rep.FinishedAt = e.now()
	e.mu.Lock()
	snapshot := rep
	e.last = &snapshot
	e.mu.Unlock()

	fields := []logx.Field{
		logx.Int("dispatched", rep.Dispatched()),
		logx.Int("failed", rep.Failed()),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if rep.Failed() > 0 {
		log.Warn("cycle finished with failures", fields...)
	} else {
		log.Info("cycle finished", fields...)
	}
	e.publish(eventbus.CycleFinished, eventbus.CycleEvent{
		CycleID:  rep.ID,
		Sources:  len(e.sources),
		Duration: rep.FinishedAt.Sub(rep.StartedAt),
		Failed:   rep.Failed(),
	})
	return rep
}

func (e *Engine) runSource(ctx context.Context, cycleID string, s Source, log logx.Logger) (rep SourceReport) {
	ad := s.Adapter
	id := ad.ID()
	rep.SourceID = id
	log = log.With(logx.String("source", id), logx.String("kind", string(ad.Kind())))

	st := e.states[id]
	if !st.tryAcquire() {
		rep.Skipped = true
		log.Warn("previous pipeline still running; skipping source")
		return rep
	}
	defer st.release()

	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	fail := func(stage, fp string, err error) {
		rep.Errors = append(rep.Errors, StageError{Stage: stage, Fingerprint: fp, Err: err})
		log.Warn("source pipeline failed", logx.String("stage", stage), logx.String("fingerprint", fp), logx.Err(err))
		e.publish(eventbus.SourceFailed, eventbus.SourceFailure{CycleID: cycleID, SourceID: id, Stage: stage, Error: err.Error()})
	}

	raw, err := ad.Fetch(ctx)
	if err != nil {
		fail(StageFetch, "", err)
		return rep
	}
	items, err := ad.Normalize(raw, e.now())
	if err != nil {
		fail(StageNormalize, "", err)
		return rep
	}
	rep.Items = len(items)
	if len(items) == 0 {
		return rep
	}

	seeding := false
	if e.cfg.SeedOnFirstRun {
		n, err := e.store.Count(ctx, id)
		if err != nil {
			fail(StageDedup, "", err)
			return rep
		}
		seeding = n == 0
	}

	d := dedup{store: e.store, sourceID: id, window: e.cfg.RecentWindow}
	if m, ok := ad.(source.Matcher); ok {
		d.matcher = m
	}

	for _, it := range items {
		if ctx.Err() != nil {
			fail(StageDedup, it.Fingerprint, ctx.Err())
			return rep
		}
		seen, err := d.seen(ctx, it.Fingerprint)
		if err != nil {
			fail(StageDedup, it.Fingerprint, err)
			return rep
		}
		if seen {
			log.Debug("item already seen", logx.String("fingerprint", it.Fingerprint))
			continue
		}
		rep.New++

		if seeding {
			if err := d.commit(ctx, it.Fingerprint, e.now()); err != nil {
				fail(StageCommit, it.Fingerprint, err)
				return rep
			}
			rep.Seeded++
			rep.Committed++
			log.Info("seeded without dispatch", logx.String("fingerprint", it.Fingerprint))
			continue
		}

		payload, err := e.render.Render(it, s.Render)
		if errors.Is(err, render.ErrNoDisplayRows) {
			rep.Deferred++
			log.Debug("nothing to render yet", logx.String("fingerprint", it.Fingerprint))
			continue
		}
		if err != nil {
			fail(StageRender, it.Fingerprint, err)
			continue
		}

		sendStart := time.Now()
		_, derr := e.disp.Dispatch(ctx, id, payload)
		e.publish(eventbus.ItemDispatched, eventbus.ItemEvent{
			CycleID:     cycleID,
			SourceID:    id,
			Fingerprint: it.Fingerprint,
			Delivered:   derr == nil,
			Duration:    time.Since(sendStart),
		})
		if derr != nil {
			fail(StageDispatch, it.Fingerprint, derr)
			if e.cfg.CommitPolicy != AfterAttempt {
				continue
			}
		} else {
			rep.Dispatched++
			log.Info("item dispatched", logx.String("fingerprint", it.Fingerprint), logx.String("payload", string(payload.Kind)))
		}

		if err := d.commit(ctx, it.Fingerprint, e.now()); err != nil {
			// The item may be delivered again next cycle.
			fail(StageCommit, it.Fingerprint, err)
			return rep
		}
		rep.Committed++
	}
	return rep
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

// dedup answers "seen before?" for one source within one pipeline run.
// Matcher sources also compare against the most recent fingerprints.
type dedup struct {
	store    storage.Store
	sourceID string
	matcher  source.Matcher
	window   int

	recent []string
	loaded bool
}

func (d *dedup) seen(ctx context.Context, fp string) (bool, error) {
	ok, err := d.store.Exists(ctx, d.sourceID, fp)
	if err != nil || ok || d.matcher == nil {
		return ok, err
	}
	if !d.loaded {
		recs, err := d.store.Recent(ctx, d.sourceID, d.window)
		if err != nil {
			return false, err
		}
		for _, r := range recs {
			d.recent = append(d.recent, r.Fingerprint)
		}
		d.loaded = true
	}
	for _, prev := range d.recent {
		if d.matcher.Matches(prev, fp) {
			return true, nil
		}
	}
	return false, nil
}

func (d *dedup) commit(ctx context.Context, fp string, at time.Time) error {
	if err := d.store.Record(ctx, d.sourceID, fp, at); err != nil {
		var werr *storage.StoreWriteError
		if errors.As(err, &werr) {
			return err
		}
		return &storage.StoreWriteError{SourceID: d.sourceID, Fingerprint: fp, Err: err}
	}
	if d.matcher != nil {
		d.recent = append([]string{fp}, d.recent...)
	}
	return nil
}
