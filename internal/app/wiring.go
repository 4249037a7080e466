package app

import (
	"fmt"
	"strings"
	"time"

	"spacewatch/internal/config"
	"spacewatch/internal/dispatch"
	"spacewatch/internal/engine"
	"spacewatch/internal/ops"
	"spacewatch/internal/render"
	"spacewatch/internal/scheduler"
	"spacewatch/internal/source"
	"spacewatch/internal/storage"
	telegram "spacewatch/internal/transport/telegram/adapter"
	logx "spacewatch/pkg/logx"
)

const (
	defaultKeepLatest    = 64
	defaultPruneSchedule = "@daily"
	defaultRetryMax      = 2
)

func mapLoggingConfig(cfg *config.Config, levelOverride string) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if s := strings.TrimSpace(levelOverride); s != "" {
		lc.Level = s
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	return lc
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout: timeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

type retention struct {
	window     time.Duration // 0 disables pruning
	keepLatest int
	schedule   string
}

func mapRetention(cfg *config.Config) (retention, error) {
	window, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return retention{}, err
	}
	r := retention{window: window, keepLatest: cfg.Storage.KeepLatest, schedule: strings.TrimSpace(cfg.Storage.PruneSchedule)}
	if r.keepLatest <= 0 {
		r.keepLatest = defaultKeepLatest
	}
	if r.schedule == "" {
		r.schedule = defaultPruneSchedule
	}
	return r, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	rps := dc.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	retries := dc.RetryMax
	if retries == 0 {
		retries = defaultRetryMax
	}
	return dispatch.Config{
		RatePerSec:    float64(rps),
		Burst:         1,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		MaxParallel:    cfg.Engine.MaxParallel,
		CommitPolicy:   engine.CommitPolicy(strings.ToLower(strings.TrimSpace(cfg.Engine.CommitPolicy))),
		SeedOnFirstRun: cfg.Engine.SeedOnFirstRun,
	}
}

// mapCycleTimeout bounds a whole cycle. Interval schedules default to the
// interval itself so a cycle never outlives its slot.
func mapCycleTimeout(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationField("scheduler.cycle_timeout", cfg.Scheduler.CycleTimeout)
	if err != nil || d > 0 {
		return d, err
	}
	spec, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule)
	if err != nil {
		return 0, err
	}
	if spec.Kind == scheduler.SpecInterval {
		return spec.Every, nil
	}
	return 0, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{Enabled: cfg.Ops.Enabled, Addr: strings.TrimSpace(cfg.Ops.Addr), Pprof: cfg.Ops.Pprof}
}

// buildSources turns enabled source entries into engine sources. Disabled
// entries are skipped; their stored partitions are left untouched.
func buildSources(cfg *config.Config, f *source.Fetcher) ([]engine.Source, error) {
	fetchTimeout, err := config.ParseDurationOrDefault("engine.fetch_timeout", cfg.Engine.FetchTimeout, config.DefaultFetchTimeout)
	if err != nil {
		return nil, err
	}

	out := make([]engine.Source, 0, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		path := fmt.Sprintf("sources[%d]", i)
		timeout, err := config.ParseDurationOrDefault(path+".timeout", sc.Timeout, fetchTimeout)
		if err != nil {
			return nil, err
		}
		scfg := source.Config{
			ID:          strings.TrimSpace(sc.ID),
			Kind:        source.Kind(strings.ToLower(strings.TrimSpace(sc.Kind))),
			URL:         strings.TrimSpace(sc.URL),
			Timeout:     timeout,
			Attempts:    sc.Attempts,
			Offset:      source.DefaultOffset,
			MaxDistance: -1,
		}
		ropts := render.Options{Silent: sc.Silent, Caption: sc.Caption}

		if fc := sc.Forecast; fc != nil {
			off, err := config.ParseOffset(path+".forecast.utc_offset", fc.UTCOffset, source.DefaultOffset)
			if err != nil {
				return nil, err
			}
			scfg.Offset = off
			ropts.Title = fc.Title
			ropts.Width = fc.Width
			ropts.Height = fc.Height
		}
		if snc := sc.Snapshot; snc != nil {
			scfg.CacheBustParam = snc.CacheBustParam
			if snc.MaxDistance != nil {
				scfg.MaxDistance = *snc.MaxDistance
			}
		}

		ad, err := source.New(scfg, f)
		if err != nil {
			return nil, err
		}
		out = append(out, engine.Source{Adapter: ad, Render: ropts})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled sources")
	}
	return out, nil
}
