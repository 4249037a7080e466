package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"spacewatch/internal/config"
	"spacewatch/internal/dispatch"
	"spacewatch/internal/engine"
	"spacewatch/internal/eventbus"
	"spacewatch/internal/metrics"
	"spacewatch/internal/ops"
	"spacewatch/internal/render"
	"spacewatch/internal/runtime/supervisor"
	"spacewatch/internal/scheduler"
	"spacewatch/internal/source"
	"spacewatch/internal/storage"
	"spacewatch/internal/transport"
	telegram "spacewatch/internal/transport/telegram/adapter"
	logx "spacewatch/pkg/logx"
)

// Version is stamped at build time with -ldflags "-X spacewatch/internal/app.Version=...".
var Version = "dev"

const (
	jobPoll  = "poll"
	jobPrune = "prune"
)

type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Sender replaces the Telegram adapter (tests, dry runs).
	Sender transport.Sender
}

// App owns every long-lived component. Nothing here is global: each App is
// a self-contained instance built from one config file.
type App struct {
	cfg  *config.Config
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.MemBus
	store   storage.Store
	engine  *engine.Engine
	sched   *scheduler.Service
	metrics *metrics.Collector
	ops     *ops.Server
	opsCfg  ops.Config
	sup     *supervisor.Supervisor

	retention    retention
	schedule     string
	cycleTimeout time.Duration
	runOnStart   bool
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	sender := opts.Sender
	if sender == nil {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tcfg, logx.NewConsole("info").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	logs, log := logx.New(mapLoggingConfig(cfg, opts.LogLevel), sender)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfg: cfg, cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logs}
	if err := a.build(sender, log); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(sender transport.Sender, log logx.Logger) error {
	cfg := a.cfg

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.retention, err = mapRetention(cfg)
	if err != nil {
		return err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.cycleTimeout, err = mapCycleTimeout(cfg)
	if err != nil {
		return err
	}
	a.schedule = cfg.Scheduler.Schedule
	a.runOnStart = cfg.Scheduler.RunOnStart

	fetcher := source.NewFetcher(nil, "spacewatch/"+Version, log.With(logx.String("comp", "fetch")))
	sources, err := buildSources(cfg, fetcher)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Scheduler.Timezone, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return err
	}
	a.sched = sched

	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	a.bus = eventbus.New()
	target := transport.ChatTarget{ChatID: cfg.Telegram.ChannelID, ThreadID: cfg.Telegram.ThreadID}
	disp := dispatch.New(dcfg, sender, target, log.With(logx.String("comp", "dispatch")))

	a.engine, err = engine.New(mapEngineConfig(cfg), engine.Deps{
		Store:      store,
		Renderer:   render.New(),
		Dispatcher: disp,
		Bus:        a.bus,
		Log:        log.With(logx.String("comp", "engine")),
	}, sources)
	if err != nil {
		_ = store.Close()
		return err
	}

	a.metrics = metrics.New(a.bus.Dropped)
	a.ops = ops.New(log, a.metrics.Handler(), a.health)
	a.opsCfg = mapOpsConfig(cfg)

	a.log.Info("app built",
		logx.String("version", Version),
		logx.Int("sources", len(sources)),
		logx.String("storage", scfg.Driver),
		logx.String("schedule", a.schedule),
	)
	return nil
}

// RunOnce prepares the store and runs a single cycle.
func (a *App) RunOnce(ctx context.Context) (engine.CycleReport, error) {
	if err := a.engine.Init(ctx); err != nil {
		return engine.CycleReport{}, fmt.Errorf("store init: %w", err)
	}
	a.prune(ctx)
	if a.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cycleTimeout)
		defer cancel()
	}
	return a.engine.RunCycle(ctx), nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.engine.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	a.prune(ctx)

	if err := a.sched.Add(scheduler.Job{
		Name:    jobPoll,
		Spec:    a.schedule,
		Timeout: a.cycleTimeout,
		Run:     func(ctx context.Context) { a.engine.RunCycle(ctx) },
	}); err != nil {
		return err
	}
	if a.retention.window > 0 {
		if err := a.sched.Add(scheduler.Job{Name: jobPrune, Spec: a.retention.schedule, Run: a.prune}); err != nil {
			return err
		}
	}

	a.sup.Go0("metrics", func(ctx context.Context) { a.metrics.Run(ctx, a.bus) })
	if err := a.ops.Apply(ctx, a.opsCfg); err != nil {
		return fmt.Errorf("ops listener: %w", err)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, time.Minute)

	a.sched.Start(a.sup.Context())
	if a.runOnStart {
		a.sup.Go0("poll.initial", func(ctx context.Context) { a.sched.RunNow(jobPoll) })
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) { watchdog(ctx, a.log) })
	a.log.Info("started")
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts components down in reverse start order. In-flight cycles get
// until ctx expires to finish.
func (a *App) Stop(ctx context.Context) error {
	sdNotify(a.log, daemon.SdNotifyStopping)
	start := time.Now()

	var errs []error
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.ops != nil {
		a.ops.Stop(ctx)
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) prune(ctx context.Context) {
	if a.retention.window <= 0 {
		return
	}
	cutoff := time.Now().Add(-a.retention.window)
	n, err := a.store.Prune(ctx, cutoff, a.retention.keepLatest)
	if err != nil {
		a.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("pruned seen records", logx.Int("removed", n), logx.Time("older_than", cutoff))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.StorePruned, Data: eventbus.PruneEvent{Removed: n}})
}

func (a *App) health() (bool, any) {
	detail := map[string]any{"version": Version}
	if last, ok := a.engine.Last(); ok {
		detail["last_cycle"] = map[string]any{
			"id":          last.ID,
			"finished_at": last.FinishedAt,
			"dispatched":  last.Dispatched(),
			"failed":      last.Failed(),
		}
	}
	if a.sched != nil {
		detail["next"] = a.sched.Next()
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			detail["error"] = err.Error()
			return false, detail
		}
	}
	return true, detail
}
