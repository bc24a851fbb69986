package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"feedwatch/internal/models"
)

// Store backs the dedup ledger, the update store, and the preference
// index with a single SQLite database. SQLite serializes writers, so the
// conditional inserts below stay atomic even across overlapping runs.
type Store struct {
	db     *sql.DB
	topics models.TopicSet
}

// Open opens (or creates) the database and ensures the schema exists.
// The known topic set drives preference validation.
func Open(path string, topics models.TopicSet) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db, topics: topics}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Topics exposes the known topic set for validation at other surfaces.
func (s *Store) Topics() models.TopicSet {
	return s.topics
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger (
            source_id  TEXT NOT NULL,
            item_id    TEXT NOT NULL,
            first_seen TEXT NOT NULL,
            stored     INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (source_id, item_id)
        )`,
		`CREATE TABLE IF NOT EXISTS updates (
            source_id    TEXT NOT NULL,
            item_id      TEXT NOT NULL,
            title        TEXT NOT NULL,
            link         TEXT,
            topic        TEXT NOT NULL,
            summary      TEXT,
            tags         TEXT,
            raw_body     TEXT,
            published_at TEXT NOT NULL,
            processed_at TEXT NOT NULL,
            PRIMARY KEY (source_id, item_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_updates_topic_published
            ON updates (topic, published_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_processed
            ON updates (processed_at)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
            subscriber_id    TEXT PRIMARY KEY,
            topics           TEXT NOT NULL,
            frequency        TEXT NOT NULL,
            last_notified_at TEXT
        )`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Times are stored as RFC3339 UTC strings so that lexical ordering in
// SQL matches chronological ordering. The fractional part is fixed-width
// because RFC3339Nano trims trailing zeros, which breaks string order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}
