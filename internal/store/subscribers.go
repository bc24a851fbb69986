package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"feedwatch/internal/models"
)

// GetSubscriber looks up one subscriber by id.
func (s *Store) GetSubscriber(ctx context.Context, id string) (models.Subscriber, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscriber_id, topics, frequency, last_notified_at
         FROM subscribers WHERE subscriber_id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscriber{}, false, nil
	}
	if err != nil {
		return models.Subscriber{}, false, err
	}
	return sub, true, nil
}

// SetSubscriber validates and stores preferences with full-replace
// semantics. Validation failure leaves any prior record untouched.
// LastNotifiedAt is owned by the dispatcher and survives preference
// updates.
func (s *Store) SetSubscriber(ctx context.Context, id string, topics []string, frequency string) (models.Subscriber, error) {
	if strings.TrimSpace(id) == "" {
		return models.Subscriber{}, fmt.Errorf("%w: empty subscriber id", models.ErrInvalidPreferences)
	}
	freq, err := models.ParseFrequency(frequency)
	if err != nil {
		return models.Subscriber{}, err
	}
	normalized, err := s.validateTopics(topics)
	if err != nil {
		return models.Subscriber{}, err
	}

	_, err = s.execContext(ctx,
		`INSERT INTO subscribers (subscriber_id, topics, frequency)
         VALUES (?, ?, ?)
         ON CONFLICT (subscriber_id) DO UPDATE SET
            topics = excluded.topics,
            frequency = excluded.frequency`,
		id, strings.Join(normalized, ","), string(freq))
	if err != nil {
		return models.Subscriber{}, fmt.Errorf("store subscriber: %w", err)
	}

	sub, _, err := s.GetSubscriber(ctx, id)
	return sub, err
}

func (s *Store) validateTopics(topics []string) ([]string, error) {
	seen := map[string]struct{}{}
	var normalized []string
	for _, t := range topics {
		t = models.NormalizeTopic(t)
		if t == "" {
			continue
		}
		if !s.topics.Contains(t) {
			return nil, fmt.Errorf("%w: unknown topic %q (known: %s)",
				models.ErrInvalidPreferences, t, strings.Join(s.topics.Sorted(), ", "))
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		normalized = append(normalized, t)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: at least one topic required", models.ErrInvalidPreferences)
	}
	sort.Strings(normalized)
	return normalized, nil
}

// ListSubscribers returns every subscriber, for dispatch evaluation.
func (s *Store) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, topics, frequency, last_notified_at FROM subscribers`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AdvanceLastNotified moves the notification watermark. Called only by
// the dispatcher after a successful send.
func (s *Store) AdvanceLastNotified(ctx context.Context, id string, ts time.Time) error {
	_, err := s.execContext(ctx,
		`UPDATE subscribers SET last_notified_at = ? WHERE subscriber_id = ?`,
		encodeTime(ts), id)
	if err != nil {
		return fmt.Errorf("advance last notified: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (models.Subscriber, error) {
	var (
		sub          models.Subscriber
		topics       string
		frequency    string
		lastNotified sql.NullString
	)
	if err := row.Scan(&sub.ID, &topics, &frequency, &lastNotified); err != nil {
		return sub, err
	}
	if topics != "" {
		sub.Topics = strings.Split(topics, ",")
	}
	sub.Frequency = models.Frequency(frequency)
	if lastNotified.Valid && lastNotified.String != "" {
		t, err := decodeTime(lastNotified.String)
		if err != nil {
			return sub, err
		}
		sub.LastNotifiedAt = &t
	}
	return sub, nil
}
