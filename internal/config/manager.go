package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "spacewatch/pkg/logx"
)

// Manager loads the config file once and keeps the committed copy.
//
// Configuration is immutable for the process lifetime; Watch only reports
// on-disk edits so operators know a restart is pending.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	log logx.Logger
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *Manager) Path() string { return m.path }

// Parse reads and strictly decodes the config file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode expands ${ENV} references, coerces YAML to JSON and decodes with
// unknown fields rejected. path only selects the format by extension.
func Decode(path string, data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	b, _ := os.ReadFile(m.path)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashBytes(b)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Watch logs a warning whenever the config file content changes on disk.
// It blocks until ctx is done. Editors often write in several steps, so
// events are debounced.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: atomic-rename saves replace the file inode.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	file := filepath.Base(m.path)

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-fire:
			m.checkChanged()
		}
	}
}

func (m *Manager) checkChanged() {
	b, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config file unreadable", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashBytes(b)
	m.mu.Lock()
	changed := h != m.lastHash
	m.lastHash = h
	m.mu.Unlock()
	if !changed {
		return
	}
	if _, err := Decode(m.path, b); err != nil {
		m.log.Warn("config file changed on disk but is invalid", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.log.Warn("config file changed on disk; restart to apply", logx.String("path", m.path))
}
