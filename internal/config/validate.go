package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"spacewatch/internal/scheduler"
)

var knownKinds = map[string]bool{
	"alerts":     true,
	"discussion": true,
	"forecast":   true,
	"snapshot":   true,
}

// Validate rejects configs that would fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if cfg.Telegram.ChannelID == 0 {
		errs = append(errs, errors.New("telegram.channel_id is required"))
	}
	if _, err := ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(cfg.Scheduler.Schedule) == "" {
		errs = append(errs, errors.New("scheduler.schedule is required"))
	} else if spec, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.schedule: %w", err))
	} else if spec.Kind == scheduler.SpecInterval {
		errs = append(errs, checkInterval(cfg, spec.Every)...)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, err := ParseDurationField("scheduler.cycle_timeout", cfg.Scheduler.CycleTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Engine.CommitPolicy)) {
	case "", "on_success", "after_attempt":
	default:
		errs = append(errs, fmt.Errorf("engine.commit_policy: unknown %q (use on_success or after_attempt)", cfg.Engine.CommitPolicy))
	}
	if cfg.Engine.MaxParallel < 0 {
		errs = append(errs, errors.New("engine.max_parallel must be >= 0"))
	}
	if _, err := ParseDurationField("engine.fetch_timeout", cfg.Engine.FetchTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Dispatch.RetryMax < 0 {
		errs = append(errs, errors.New("dispatch.retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"dispatch.retry_base":      cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay": cfg.Dispatch.RetryMaxDelay,
		"dispatch.send_timeout":    cfg.Dispatch.SendTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"storage.retention":        cfg.Storage.Retention,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q (use file or sqlite)", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if cfg.Storage.KeepLatest < 0 {
		errs = append(errs, errors.New("storage.keep_latest must be >= 0"))
	}

	if len(cfg.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	seen := map[string]bool{}
	for i, s := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		id := strings.TrimSpace(s.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", path))
		} else if seen[id] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		seen[id] = true
		if !knownKinds[strings.ToLower(strings.TrimSpace(s.Kind))] {
			errs = append(errs, fmt.Errorf("%s.kind: unknown %q", path, s.Kind))
		}
		if u, err := url.Parse(strings.TrimSpace(s.URL)); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url: invalid %q", path, s.URL))
		}
		if _, err := ParseDurationField(path+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
		if s.Attempts < 0 {
			errs = append(errs, fmt.Errorf("%s.attempts must be >= 0", path))
		}
		if s.Forecast != nil {
			if _, err := ParseOffset(path+".forecast.utc_offset", s.Forecast.UTCOffset, 0); err != nil {
				errs = append(errs, err)
			}
		}
		if s.Snapshot != nil && s.Snapshot.MaxDistance != nil && *s.Snapshot.MaxDistance < 0 {
			errs = append(errs, fmt.Errorf("%s.snapshot.max_distance must be >= 0", path))
		}
	}

	return errors.Join(errs...)
}

// checkInterval keeps every fetch, and the cycle as a whole, inside one
// interval of an interval schedule. Parse errors are reported by Validate.
func checkInterval(cfg *Config, every time.Duration) []error {
	var errs []error
	cycle, err := ParseDurationField("scheduler.cycle_timeout", cfg.Scheduler.CycleTimeout)
	if err == nil && cycle > every {
		errs = append(errs, fmt.Errorf("scheduler.cycle_timeout: %s exceeds the %s schedule interval", cycle, every))
	}
	fetch, err := ParseDurationOrDefault("engine.fetch_timeout", cfg.Engine.FetchTimeout, DefaultFetchTimeout)
	if err != nil {
		return errs
	}
	for i, s := range cfg.Sources {
		if !s.IsEnabled() {
			continue
		}
		path := fmt.Sprintf("sources[%d].timeout", i)
		t, err := ParseDurationOrDefault(path, s.Timeout, fetch)
		if err != nil {
			continue
		}
		if t >= every {
			errs = append(errs, fmt.Errorf("%s: fetch timeout %s must be shorter than the %s schedule interval (set %s or engine.fetch_timeout)", path, t, every, path))
		}
	}
	return errs
}
