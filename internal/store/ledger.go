package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim records (sourceID, itemID) as seen and reports whether this
// caller won the claim. The insert-if-absent is the pipeline's only
// idempotency barrier: overlapping runs race on it and exactly one wins,
// which guarantees at-most-once enrichment per item.
//
// A claim starts provisional (stored=0). If the claiming run dies before
// the update store write lands, a later run may take the claim over,
// but only once the entry is older than reclaimAfter, so a live
// concurrent run is never robbed of in-flight work.
func (s *Store) Claim(ctx context.Context, sourceID, itemID string, now time.Time, reclaimAfter time.Duration) (bool, error) {
	res, err := s.execContext(ctx,
		`INSERT INTO ledger (source_id, item_id, first_seen, stored)
         VALUES (?, ?, ?, 0)
         ON CONFLICT (source_id, item_id) DO NOTHING`,
		sourceID, itemID, encodeTime(now))
	if err != nil {
		return false, fmt.Errorf("ledger insert: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	if reclaimAfter <= 0 {
		return false, nil
	}
	cutoff := encodeTime(now.Add(-reclaimAfter))
	res, err = s.execContext(ctx,
		`UPDATE ledger SET first_seen = ?
         WHERE source_id = ? AND item_id = ? AND stored = 0 AND first_seen <= ?`,
		encodeTime(now), sourceID, itemID, cutoff)
	if err != nil {
		return false, fmt.Errorf("ledger reclaim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkStored flips the claim to committed once the update store write
// succeeded. Committed entries are never reclaimed or deleted.
func (s *Store) MarkStored(ctx context.Context, sourceID, itemID string) error {
	_, err := s.execContext(ctx,
		`UPDATE ledger SET stored = 1 WHERE source_id = ? AND item_id = ?`,
		sourceID, itemID)
	if err != nil {
		return fmt.Errorf("ledger mark stored: %w", err)
	}
	return nil
}

// LedgerEntry reports presence and first-seen time for one key.
func (s *Store) LedgerEntry(ctx context.Context, sourceID, itemID string) (time.Time, bool, error) {
	var firstSeen string
	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen FROM ledger WHERE source_id = ? AND item_id = ?`,
		sourceID, itemID).Scan(&firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := decodeTime(firstSeen)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// LedgerSize returns the number of ledger entries.
func (s *Store) LedgerSize(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n)
	return n, err
}
