package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"feedwatch/internal/models"
)

// PutUpdate upserts a processed update keyed by (source_id, item_id).
// Each key is only written once per successful run thanks to the ledger
// claim, so last-write-wins on conflict cannot lose a newer enrichment.
func (s *Store) PutUpdate(ctx context.Context, u models.ProcessedUpdate) error {
	tags, err := json.Marshal(u.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	query, args, err := sq.Insert("updates").
		Columns("source_id", "item_id", "title", "link", "topic",
			"summary", "tags", "raw_body", "published_at", "processed_at").
		Values(u.SourceID, u.ItemID, u.Title, u.Link, u.Topic,
			u.Summary, string(tags), u.RawBody,
			encodeTime(u.PublishedAt), encodeTime(u.ProcessedAt)).
		Suffix(`ON CONFLICT (source_id, item_id) DO UPDATE SET
            title = excluded.title,
            link = excluded.link,
            topic = excluded.topic,
            summary = excluded.summary,
            tags = excluded.tags,
            raw_body = excluded.raw_body,
            published_at = excluded.published_at,
            processed_at = excluded.processed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.execContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert update: %w", err)
	}
	return nil
}

// UpdateQuery selects a page of processed updates. Zero values widen the
// filter: empty topic means all topics, nil since means all time.
type UpdateQuery struct {
	Topic  string
	Since  *time.Time
	Limit  uint64
	Offset uint64
}

// QueryUpdates returns updates ordered by published_at descending.
func (s *Store) QueryUpdates(ctx context.Context, q UpdateQuery) ([]models.ProcessedUpdate, error) {
	b := sq.Select("source_id", "item_id", "title", "link", "topic",
		"summary", "tags", "raw_body", "published_at", "processed_at").
		From("updates").
		OrderBy("published_at DESC")
	if q.Topic != "" {
		b = b.Where(sq.Eq{"topic": models.NormalizeTopic(q.Topic)})
	}
	if q.Since != nil {
		b = b.Where(sq.GtOrEq{"published_at": encodeTime(*q.Since)})
	}
	if q.Limit > 0 {
		b = b.Limit(q.Limit)
	}
	if q.Offset > 0 {
		b = b.Offset(q.Offset)
	}
	return s.selectUpdates(ctx, b)
}

// ProcessedSince returns updates in the given topics whose processing
// finished strictly after the cutoff, oldest first. The dispatcher uses
// it to re-evaluate the backlog for batched subscribers.
func (s *Store) ProcessedSince(ctx context.Context, topics []string, after time.Time, limit uint64) ([]models.ProcessedUpdate, error) {
	normalized := make([]string, 0, len(topics))
	for _, t := range topics {
		normalized = append(normalized, models.NormalizeTopic(t))
	}
	b := sq.Select("source_id", "item_id", "title", "link", "topic",
		"summary", "tags", "raw_body", "published_at", "processed_at").
		From("updates").
		Where(sq.Eq{"topic": normalized}).
		Where(sq.Gt{"processed_at": encodeTime(after)}).
		OrderBy("processed_at ASC")
	if limit > 0 {
		b = b.Limit(limit)
	}
	return s.selectUpdates(ctx, b)
}

func (s *Store) selectUpdates(ctx context.Context, b sq.SelectBuilder) ([]models.ProcessedUpdate, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessedUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUpdates returns the number of stored updates.
func (s *Store) CountUpdates(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates`).Scan(&n)
	return n, err
}

func scanUpdate(rows *sql.Rows) (models.ProcessedUpdate, error) {
	var (
		u         models.ProcessedUpdate
		link      sql.NullString
		summary   sql.NullString
		tags      sql.NullString
		rawBody   sql.NullString
		published string
		processed string
	)
	if err := rows.Scan(&u.SourceID, &u.ItemID, &u.Title, &link, &u.Topic,
		&summary, &tags, &rawBody, &published, &processed); err != nil {
		return u, fmt.Errorf("scan update: %w", err)
	}
	u.Link = link.String
	u.Summary = summary.String
	u.RawBody = rawBody.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &u.Tags); err != nil {
			return u, fmt.Errorf("decode tags: %w", err)
		}
	}
	var err error
	if u.PublishedAt, err = decodeTime(published); err != nil {
		return u, err
	}
	if u.ProcessedAt, err = decodeTime(processed); err != nil {
		return u, err
	}
	return u, nil
}
