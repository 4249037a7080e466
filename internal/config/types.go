package config

import "time"

// Config is the on-disk configuration. It is loaded once at startup and is
// immutable for the lifetime of the process.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Sources   []SourceConfig  `json:"sources"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the chat that receives notifications.
	ChannelID int64 `json:"channel_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	// APIURL overrides https://api.telegram.org (self-hosted Bot API server).
	APIURL string `json:"api_url,omitempty"`
	// Timeout is a Go duration string (e.g. "30s").
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the poll trigger.
//
// Schedule accepts cron ("*/10 * * * *", 6-field with seconds, "@hourly",
// "@every 10m"), a Go duration ("10m") or HH:MM ("00:10").
type SchedulerConfig struct {
	Schedule   string `json:"schedule"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
	// CycleTimeout bounds one whole cycle. "0s" disables it.
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

// DefaultFetchTimeout applies when neither engine.fetch_timeout nor
// sources[].timeout is set.
const DefaultFetchTimeout = 30 * time.Second

// EngineConfig controls the poll cycle orchestrator.
//
// Defaults:
//   - max_parallel: number of sources
//   - commit_policy: "on_success"
//   - fetch_timeout: "30s"
type EngineConfig struct {
	MaxParallel  int    `json:"max_parallel,omitempty"`
	CommitPolicy string `json:"commit_policy,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// SeedOnFirstRun records the current items of an empty source without
	// notifying, so a fresh deployment does not replay the latest alert.
	SeedOnFirstRun bool `json:"seed_on_first_run,omitempty"`
}

type DispatchConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig controls the seen-record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/spacewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention drops seen records older than this duration ("0s" keeps everything).
	Retention     string `json:"retention,omitempty"`
	KeepLatest    int    `json:"keep_latest,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// OpsConfig controls the optional metrics/health/pprof listener.
//
// Prefer binding to localhost; pprof is only mounted when Pprof is true.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
}

type SourceConfig struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"` // alerts | discussion | forecast | snapshot
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled,omitempty"`
	// Timeout bounds one fetch of this source (Go duration string).
	Timeout string `json:"timeout,omitempty"`
	// Silent delivers this source's notifications without sound.
	Silent   bool   `json:"silent,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	Forecast *ForecastConfig `json:"forecast,omitempty"`
	Snapshot *SnapshotConfig `json:"snapshot,omitempty"`
}

// IsEnabled treats an omitted "enabled" key as true.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type ForecastConfig struct {
	// UTCOffset is the fixed observation offset (Go duration, e.g. "3h").
	UTCOffset string `json:"utc_offset,omitempty"`
	Title     string `json:"title,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type SnapshotConfig struct {
	// CacheBustParam is the query parameter carrying the current timestamp.
	CacheBustParam string `json:"cache_bust_param,omitempty"`
	// MaxDistance is the perceptual hash Hamming distance below which two
	// snapshots count as the same picture.
	MaxDistance *int `json:"max_distance,omitempty"`
}
