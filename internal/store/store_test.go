package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedwatch/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"),
		models.NewTopicSet("decisions", "press-releases"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testUpdate(sourceID, itemID, topic string, published time.Time) models.ProcessedUpdate {
	return models.ProcessedUpdate{
		SourceID:    sourceID,
		ItemID:      itemID,
		Title:       "Update " + itemID,
		Topic:       topic,
		Summary:     "summary for " + itemID,
		PublishedAt: published,
		ProcessedAt: published.Add(time.Minute),
	}
}

func TestClaimIsAtomicPerKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	won, err := st.Claim(ctx, "flra-decisions", "item-1", now, time.Hour)
	require.NoError(t, err)
	assert.True(t, won, "first claim should win")

	won, err = st.Claim(ctx, "flra-decisions", "item-1", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, won, "second claim inside the reclaim window must lose")

	// Different key is independent.
	won, err = st.Claim(ctx, "flra-decisions", "item-2", now, time.Hour)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestClaimReclaimsOnlyUnstoredEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	won, err := st.Claim(ctx, "src", "crashed", now, time.Hour)
	require.NoError(t, err)
	require.True(t, won)

	// Within the window the provisional claim is protected.
	won, err = st.Claim(ctx, "src", "crashed", now.Add(30*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	// After the window an unstored claim is taken over.
	won, err = st.Claim(ctx, "src", "crashed", now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.True(t, won, "unstored claim should be reclaimed after the window")

	// A committed entry is never reclaimed.
	require.NoError(t, st.MarkStored(ctx, "src", "crashed"))
	won, err = st.Claim(ctx, "src", "crashed", now.Add(48*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.False(t, won, "stored entries must never be reclaimed")
}

func TestLedgerEntryAndSize(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, seen, err := st.LedgerEntry(ctx, "src", "missing")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = st.Claim(ctx, "src", "present", now, 0)
	require.NoError(t, err)

	firstSeen, seen, err := st.LedgerEntry(ctx, "src", "present")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, firstSeen.Equal(now))

	n, err := st.LedgerSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPutUpdateIsIdempotentUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	published := time.Now().UTC().Add(-time.Hour)

	u := testUpdate("flra-decisions", "item-1", "decisions", published)
	u.Tags = []string{"FLRA", "Union"}
	require.NoError(t, st.PutUpdate(ctx, u))
	require.NoError(t, st.PutUpdate(ctx, u))

	n, err := st.CountUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.QueryUpdates(ctx, UpdateQuery{Topic: "decisions"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, u.Summary, got[0].Summary)
	assert.Equal(t, []string{"FLRA", "Union"}, got[0].Tags)
	assert.True(t, got[0].PublishedAt.Equal(u.PublishedAt))
}

func TestQueryUpdatesFilterOrderPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.PutUpdate(ctx, testUpdate("d", "1", "decisions", base)))
	require.NoError(t, st.PutUpdate(ctx, testUpdate("d", "2", "decisions", base.Add(2*time.Hour))))
	require.NoError(t, st.PutUpdate(ctx, testUpdate("d", "3", "decisions", base.Add(time.Hour))))
	require.NoError(t, st.PutUpdate(ctx, testUpdate("p", "4", "press-releases", base.Add(3*time.Hour))))

	all, err := st.QueryUpdates(ctx, UpdateQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ItemID, "newest first")

	decisions, err := st.QueryUpdates(ctx, UpdateQuery{Topic: "decisions"})
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.Equal(t, []string{"2", "3", "1"},
		[]string{decisions[0].ItemID, decisions[1].ItemID, decisions[2].ItemID})

	since := base.Add(90 * time.Minute)
	recent, err := st.QueryUpdates(ctx, UpdateQuery{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	page, err := st.QueryUpdates(ctx, UpdateQuery{Topic: "decisions", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "3", page[0].ItemID)
}

func TestProcessedSinceIsStrict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	older := testUpdate("d", "old", "decisions", cutoff.Add(-2*time.Hour))
	older.ProcessedAt = cutoff
	require.NoError(t, st.PutUpdate(ctx, older))

	newer := testUpdate("d", "new", "decisions", cutoff.Add(-time.Hour))
	newer.ProcessedAt = cutoff.Add(time.Minute)
	require.NoError(t, st.PutUpdate(ctx, newer))

	got, err := st.ProcessedSince(ctx, []string{"decisions"}, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "processed exactly at the cutoff is excluded")
	assert.Equal(t, "new", got[0].ItemID)

	none, err := st.ProcessedSince(ctx, []string{"press-releases"}, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetSubscriberValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SetSubscriber(ctx, "alice", nil, "daily")
	assert.ErrorIs(t, err, models.ErrInvalidPreferences)

	_, err = st.SetSubscriber(ctx, "alice", []string{"sports"}, "daily")
	assert.ErrorIs(t, err, models.ErrInvalidPreferences)

	_, err = st.SetSubscriber(ctx, "alice", []string{"decisions"}, "sometimes")
	assert.ErrorIs(t, err, models.ErrInvalidPreferences)

	_, err = st.SetSubscriber(ctx, "", []string{"decisions"}, "daily")
	assert.ErrorIs(t, err, models.ErrInvalidPreferences)

	// Nothing was created by the rejected calls.
	_, ok, err := st.GetSubscriber(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetSubscriberRejectionLeavesPriorStateUntouched(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SetSubscriber(ctx, "bob", []string{"Decisions", "decisions "}, "weekly")
	require.NoError(t, err)

	_, err = st.SetSubscriber(ctx, "bob", []string{}, "daily")
	require.ErrorIs(t, err, models.ErrInvalidPreferences)

	sub, ok, err := st.GetSubscriber(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"decisions"}, sub.Topics, "topics normalized and deduplicated")
	assert.Equal(t, models.FrequencyWeekly, sub.Frequency)
}

func TestSetSubscriberReplacesButKeepsWatermark(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	_, err := st.SetSubscriber(ctx, "carol", []string{"decisions"}, "daily")
	require.NoError(t, err)
	require.NoError(t, st.AdvanceLastNotified(ctx, "carol", ts))

	sub, err := st.SetSubscriber(ctx, "carol", []string{"press-releases"}, "immediate")
	require.NoError(t, err)
	assert.Equal(t, []string{"press-releases"}, sub.Topics)
	assert.Equal(t, models.FrequencyImmediate, sub.Frequency)
	require.NotNil(t, sub.LastNotifiedAt, "preference updates must not clear the dispatch watermark")
	assert.True(t, sub.LastNotifiedAt.Equal(ts))
}

func TestListSubscribers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SetSubscriber(ctx, "a", []string{"decisions"}, "immediate")
	require.NoError(t, err)
	_, err = st.SetSubscriber(ctx, "b", []string{"press-releases"}, "weekly")
	require.NoError(t, err)

	subs, err := st.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}
