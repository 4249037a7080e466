package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrEmptyKey      = errors.New("source id and fingerprint are required")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document (path is the .json file)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SeenRecord proves that Fingerprint was already handled for SourceID.
// Records are created once and never modified.
type SeenRecord struct {
	SourceID    string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Store is the dedup store. All SeenRecords are owned by it.
type Store interface {
	// Init creates empty partitions for sourceIDs. Idempotent.
	Init(ctx context.Context, sourceIDs []string) error
	Exists(ctx context.Context, sourceID, fingerprint string) (bool, error)
	// Record appends a SeenRecord. Recording an existing fingerprint is a no-op.
	// Durability failures are reported as *StoreWriteError.
	Record(ctx context.Context, sourceID, fingerprint string, at time.Time) error
	// Recent returns up to n records of sourceID, newest first.
	Recent(ctx context.Context, sourceID string, n int) ([]SeenRecord, error)
	// Count returns the number of records in sourceID's partition.
	Count(ctx context.Context, sourceID string) (int, error)
	// Prune deletes records older than olderThan, always keeping the newest
	// keepLatest records of every source. Returns the number deleted.
	Prune(ctx context.Context, olderThan time.Time, keepLatest int) (int, error)
	Close() error
}

// StoreWriteError reports a failed durable write.
type StoreWriteError struct {
	SourceID    string
	Fingerprint string
	Err         error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s/%s: %v", e.SourceID, e.Fingerprint, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
