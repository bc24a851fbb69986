package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feedwatch/internal/config"
	"feedwatch/internal/models"
	"feedwatch/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.DeliveryIntent
	fail bool
}

func (r *recordingNotifier) Send(_ context.Context, intent models.DeliveryIntent) error {
	if r.fail {
		return fmt.Errorf("push channel rejected")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, intent)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		models.NewTopicSet("decisions", "press-releases"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func update(itemID, topic string, processedAt time.Time) models.ProcessedUpdate {
	return models.ProcessedUpdate{
		SourceID:    "flra-" + topic,
		ItemID:      itemID,
		Title:       "Update " + itemID,
		Topic:       topic,
		Summary:     "summary " + itemID,
		PublishedAt: processedAt.Add(-time.Hour),
		ProcessedAt: processedAt,
	}
}

func TestImmediateSubscriberGetsOneIntentPerUpdate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.SetSubscriber(ctx, "alice", []string{"decisions"}, "immediate")
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	d := New(st, notifier, zap.NewNop().Sugar())

	updates := []models.ProcessedUpdate{
		update("1", "decisions", now),
		update("2", "decisions", now),
		update("3", "press-releases", now),
	}
	intents, err := d.Dispatch(ctx, updates, now)
	require.NoError(t, err)
	require.Len(t, intents, 2, "one intent per matching update, mismatched topic skipped")
	for _, intent := range intents {
		assert.Equal(t, "alice", intent.SubscriberID)
		assert.Len(t, intent.Updates, 1)
		assert.NotEmpty(t, intent.ReferenceID)
	}

	sub, _, err := st.GetSubscriber(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, sub.LastNotifiedAt)
	assert.True(t, sub.LastNotifiedAt.Equal(now))
}

func TestNoIntentsWithoutNewUpdates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SetSubscriber(ctx, "alice", []string{"decisions"}, "immediate")
	require.NoError(t, err)

	d := New(st, &recordingNotifier{}, zap.NewNop().Sugar())
	intents, err := d.Dispatch(ctx, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestDailySubscriberBundlesMatchesIntoOneIntent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.SetSubscriber(ctx, "bob", []string{"decisions"}, "daily")
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	d := New(st, notifier, zap.NewNop().Sugar())

	intents, err := d.Dispatch(ctx, []models.ProcessedUpdate{
		update("1", "decisions", now),
		update("2", "decisions", now),
	}, now)
	require.NoError(t, err)
	require.Len(t, intents, 1, "batched frequencies bundle all matches")
	assert.Len(t, intents[0].Updates, 2)
}

func TestDailySubscriberInsideWindowGetsNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.SetSubscriber(ctx, "bob", []string{"decisions"}, "daily")
	require.NoError(t, err)
	require.NoError(t, st.AdvanceLastNotified(ctx, "bob", now.Add(-2*time.Hour)))

	d := New(st, &recordingNotifier{}, zap.NewNop().Sugar())
	intents, err := d.Dispatch(ctx, []models.ProcessedUpdate{update("1", "decisions", now)}, now)
	require.NoError(t, err)
	assert.Empty(t, intents, "less than 24h since last notification")
}

func TestDueSubscriberBundlesStoredBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	lastNotified := now.Add(-25 * time.Hour)

	_, err := st.SetSubscriber(ctx, "bob", []string{"decisions"}, "daily")
	require.NoError(t, err)
	require.NoError(t, st.AdvanceLastNotified(ctx, "bob", lastNotified))

	// Ingested while the window was closed, never notified.
	backlog := update("accumulated", "decisions", now.Add(-3*time.Hour))
	require.NoError(t, st.PutUpdate(ctx, backlog))

	fresh := update("fresh", "decisions", now)
	require.NoError(t, st.PutUpdate(ctx, fresh))

	notifier := &recordingNotifier{}
	d := New(st, notifier, zap.NewNop().Sugar())
	intents, err := d.Dispatch(ctx, []models.ProcessedUpdate{fresh}, now)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	var ids []string
	for _, u := range intents[0].Updates {
		ids = append(ids, u.ItemID)
	}
	assert.ElementsMatch(t, []string{"accumulated", "fresh"}, ids)
}

func TestWeeklyWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.SetSubscriber(ctx, "carol", []string{"press-releases"}, "weekly")
	require.NoError(t, err)
	require.NoError(t, st.AdvanceLastNotified(ctx, "carol", now.Add(-6*24*time.Hour)))

	d := New(st, &recordingNotifier{}, zap.NewNop().Sugar())
	intents, err := d.Dispatch(ctx, []models.ProcessedUpdate{update("1", "press-releases", now)}, now)
	require.NoError(t, err)
	assert.Empty(t, intents, "six days is inside the weekly window")
}

func TestImmediateSubscriberRecoversMissedDeliveries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-2 * time.Hour)
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	_, err := st.SetSubscriber(ctx, "alice", []string{"decisions"}, "immediate")
	require.NoError(t, err)
	log := zap.NewNop().Sugar()

	// First run delivers and advances the watermark.
	first := update("1", "decisions", t0)
	require.NoError(t, st.PutUpdate(ctx, first))
	intents, err := New(st, &recordingNotifier{}, log).Dispatch(ctx,
		[]models.ProcessedUpdate{first}, t0)
	require.NoError(t, err)
	require.Len(t, intents, 1)

	// Second run's delivery fails; the update stays in the store and the
	// watermark stays at t0.
	missed := update("2", "decisions", t1)
	require.NoError(t, st.PutUpdate(ctx, missed))
	intents, err = New(st, &recordingNotifier{fail: true}, log).Dispatch(ctx,
		[]models.ProcessedUpdate{missed}, t1)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// Third run resends the missed update next to the fresh one.
	fresh := update("3", "decisions", t2)
	require.NoError(t, st.PutUpdate(ctx, fresh))
	intents, err = New(st, &recordingNotifier{}, log).Dispatch(ctx,
		[]models.ProcessedUpdate{fresh}, t2)
	require.NoError(t, err)
	require.Len(t, intents, 2, "one intent each for the missed and the fresh update")

	var ids []string
	for _, intent := range intents {
		require.Len(t, intent.Updates, 1)
		ids = append(ids, intent.Updates[0].ItemID)
	}
	assert.ElementsMatch(t, []string{"2", "3"}, ids)
}

func TestPushNotifierPayload(t *testing.T) {
	var got struct {
		ReferenceID  string `json:"reference_id"`
		SubscriberID string `json:"subscriber_id"`
		Count        int    `json:"count"`
		Updates      []struct {
			ItemID  string `json:"item_id"`
			Summary string `json:"summary"`
		} `json:"updates"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewPushNotifier(config.NotifyConfig{Endpoint: srv.URL, TimeoutSeconds: 5}, "tok")
	now := time.Now().UTC()
	intent := models.DeliveryIntent{
		ReferenceID:  "ref-1",
		SubscriberID: "alice",
		Updates:      []models.ProcessedUpdate{update("1", "decisions", now)},
		CreatedAt:    now,
	}
	require.NoError(t, n.Send(context.Background(), intent))
	assert.Equal(t, "ref-1", got.ReferenceID)
	assert.Equal(t, "alice", got.SubscriberID)
	assert.Equal(t, 1, got.Count)
	require.Len(t, got.Updates, 1)
	assert.Equal(t, "summary 1", got.Updates[0].Summary)
}

func TestPushNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel down", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewPushNotifier(config.NotifyConfig{Endpoint: srv.URL, TimeoutSeconds: 5}, "")
	err := n.Send(context.Background(), models.DeliveryIntent{ReferenceID: "ref"})
	assert.Error(t, err)
}

func TestDeliveryFailureKeepsWatermark(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.SetSubscriber(ctx, "dave", []string{"decisions"}, "daily")
	require.NoError(t, err)

	d := New(st, &recordingNotifier{fail: true}, zap.NewNop().Sugar())
	intents, err := d.Dispatch(ctx, []models.ProcessedUpdate{update("1", "decisions", now)}, now)
	require.NoError(t, err)
	assert.Empty(t, intents, "failed sends are not reported as emitted")

	sub, _, err := st.GetSubscriber(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, sub.LastNotifiedAt,
		"watermark must not advance on failure so the next run retries")
}
