package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "spacewatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes every write; exists+record never interleave
	// at the database level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Init(ctx context.Context, sourceIDs []string) error {
	now := time.Now().UnixMilli()
	for _, id := range sourceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO sources(source_id, created_at) VALUES(?, ?) ON CONFLICT(source_id) DO NOTHING`,
			id, now,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Exists(ctx context.Context, sourceID, fingerprint string) (bool, error) {
	if sourceID == "" || fingerprint == "" {
		return false, ErrEmptyKey
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen WHERE source_id = ? AND fingerprint = ?`, sourceID, fingerprint,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Record(ctx context.Context, sourceID, fingerprint string, at time.Time) error {
	if sourceID == "" || fingerprint == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(source_id, fingerprint, first_seen_at) VALUES(?, ?, ?)
		 ON CONFLICT(source_id, fingerprint) DO NOTHING`,
		sourceID, fingerprint, at.UTC().UnixMilli(),
	)
	if err != nil {
		return &StoreWriteError{SourceID: sourceID, Fingerprint: fingerprint, Err: err}
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, sourceID string, n int) ([]SeenRecord, error) {
	q := `SELECT fingerprint, first_seen_at FROM seen WHERE source_id = ? ORDER BY seq DESC`
	args := []any{sourceID}
	if n > 0 {
		q += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeenRecord
	for rows.Next() {
		var (
			fp string
			ms int64
		)
		if err := rows.Scan(&fp, &ms); err != nil {
			return nil, err
		}
		out = append(out, SeenRecord{SourceID: sourceID, Fingerprint: fp, FirstSeenAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Count(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	// Rows ranked beyond keepLatest within their source and older than the
	// cutoff go; the newest keepLatest per source always stay.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM seen WHERE seq IN (
			SELECT seq FROM (
				SELECT seq, first_seen_at,
				       ROW_NUMBER() OVER (PARTITION BY source_id ORDER BY seq DESC) AS rn
				FROM seen
			) WHERE rn > ? AND first_seen_at < ?
		)`,
		keepLatest, olderThan.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
