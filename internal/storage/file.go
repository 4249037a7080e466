package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "spacewatch/pkg/logx"
)

// fileStore keeps every partition in one JSON document:
//
//	{ "alerts": [ {"fingerprint": "...", "first_seen_at": "..."}, ... ], ... }
//
// Each partition is an append-only list in insertion order. Every write
// rewrites the document via tmp file + fsync + rename, so a crash leaves
// either the old or the new document on disk, never a torn one.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
	parts  map[string][]SeenRecord
	index  map[string]map[string]struct{}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:   log,
		path:  path,
		parts: map[string][]SeenRecord{},
		index: map[string]map[string]struct{}{},
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	var doc map[string][]SeenRecord
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	for src, recs := range doc {
		idx := make(map[string]struct{}, len(recs))
		kept := recs[:0]
		for _, r := range recs {
			if r.Fingerprint == "" {
				continue
			}
			if _, dup := idx[r.Fingerprint]; dup {
				continue
			}
			idx[r.Fingerprint] = struct{}{}
			r.SourceID = src
			kept = append(kept, r)
		}
		s.parts[src] = kept
		s.index[src] = idx
	}
	return nil
}

func (s *fileStore) Init(ctx context.Context, sourceIDs []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	added := false
	for _, id := range sourceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := s.parts[id]; ok {
			continue
		}
		s.parts[id] = []SeenRecord{}
		s.index[id] = map[string]struct{}{}
		added = true
	}
	if !added {
		return nil
	}
	return s.flushLocked()
}

func (s *fileStore) Exists(ctx context.Context, sourceID, fingerprint string) (bool, error) {
	_ = ctx
	if sourceID == "" || fingerprint == "" {
		return false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.index[sourceID][fingerprint]
	return ok, nil
}

func (s *fileStore) Record(ctx context.Context, sourceID, fingerprint string, at time.Time) error {
	_ = ctx
	if sourceID == "" || fingerprint == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreWriteError{SourceID: sourceID, Fingerprint: fingerprint, Err: ErrClosed}
	}
	idx := s.index[sourceID]
	if idx == nil {
		idx = map[string]struct{}{}
		s.index[sourceID] = idx
	}
	if _, ok := idx[fingerprint]; ok {
		return nil
	}

	prev := s.parts[sourceID]
	s.parts[sourceID] = append(prev, SeenRecord{SourceID: sourceID, Fingerprint: fingerprint, FirstSeenAt: at.UTC()})
	idx[fingerprint] = struct{}{}
	if err := s.flushLocked(); err != nil {
		// Keep memory consistent with disk.
		s.parts[sourceID] = prev
		delete(idx, fingerprint)
		return &StoreWriteError{SourceID: sourceID, Fingerprint: fingerprint, Err: err}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, sourceID string, n int) ([]SeenRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recs := s.parts[sourceID]
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]SeenRecord, 0, n)
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *fileStore) Count(ctx context.Context, sourceID string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.parts[sourceID]), nil
}

func (s *fileStore) Prune(ctx context.Context, olderThan time.Time, keepLatest int) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if keepLatest < 0 {
		keepLatest = 0
	}

	removed := 0
	next := make(map[string][]SeenRecord, len(s.parts))
	for src, recs := range s.parts {
		protectFrom := len(recs) - keepLatest
		kept := make([]SeenRecord, 0, len(recs))
		for i, r := range recs {
			if i < protectFrom && r.FirstSeenAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		next[src] = kept
	}
	if removed == 0 {
		return 0, nil
	}

	prev := s.parts
	s.parts = next
	if err := s.flushLocked(); err != nil {
		s.parts = prev
		return 0, err
	}
	s.rebuildIndexLocked()
	return removed, nil
}

func (s *fileStore) rebuildIndexLocked() {
	s.index = make(map[string]map[string]struct{}, len(s.parts))
	for src, recs := range s.parts {
		idx := make(map[string]struct{}, len(recs))
		for _, r := range recs {
			idx[r.Fingerprint] = struct{}{}
		}
		s.index[src] = idx
	}
}

func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.parts, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Best-effort: persist the rename itself.
	if d, err := os.Open(filepath.Dir(s.path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sources returns partition names sorted; used by tests and diagnostics.
func (s *fileStore) sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.parts))
	for k := range s.parts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
