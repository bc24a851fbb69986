package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"feedwatch/internal/models"
	"feedwatch/internal/store"
)

// backlogLimit caps how many stored updates one bundled notification
// may carry.
const backlogLimit = 50

// Notifier transmits a decided notification over the external channel.
type Notifier interface {
	Send(ctx context.Context, intent models.DeliveryIntent) error
}

// Dispatcher matches freshly processed updates against subscriber
// preferences and emits delivery intents. Delivery is decoupled from
// ingestion: a failed send is logged and simply re-evaluated on a later
// run, because last_notified_at only advances on success.
type Dispatcher struct {
	st       *store.Store
	notifier Notifier
	log      *zap.SugaredLogger
}

func New(st *store.Store, notifier Notifier, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{st: st, notifier: notifier, log: log}
}

// Dispatch evaluates every subscriber against the run's new updates.
// Immediate subscribers get one intent per undelivered update; daily
// and weekly subscribers get a single bundled intent once their
// frequency window has elapsed. Both cover the stored backlog since the
// subscriber's last notification. The returned slice holds every intent
// that was emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, newUpdates []models.ProcessedUpdate, now time.Time) ([]models.DeliveryIntent, error) {
	if len(newUpdates) == 0 {
		return nil, nil
	}

	subs, err := d.st.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var emitted []models.DeliveryIntent
	for _, sub := range subs {
		matches := matching(newUpdates, sub)
		if len(matches) == 0 {
			continue
		}
		if !sub.DueAt(now) {
			// Not due yet; the updates stay in the store and will be
			// bundled once the window elapses.
			continue
		}

		// Every frequency drains the stored backlog since the watermark,
		// so an update whose send failed is retried on a later run.
		bundle := d.backlog(ctx, sub, matches)

		var intents []models.DeliveryIntent
		if sub.Frequency == models.FrequencyImmediate {
			for _, u := range bundle {
				intents = append(intents, newIntent(sub.ID, now, u))
			}
		} else {
			intents = append(intents, newIntent(sub.ID, now, bundle...))
		}

		allSent := true
		for _, intent := range intents {
			if err := d.notifier.Send(ctx, intent); err != nil {
				allSent = false
				d.log.Warnw("delivery failed",
					"subscriber", sub.ID, "reference", intent.ReferenceID, "error", err)
				continue
			}
			emitted = append(emitted, intent)
		}
		if allSent {
			if err := d.st.AdvanceLastNotified(ctx, sub.ID, now); err != nil {
				d.log.Errorw("advance notification watermark failed",
					"subscriber", sub.ID, "error", err)
			}
		}
	}
	return emitted, nil
}

// backlog widens a subscriber's bundle to everything stored since their
// last notification, so updates ingested while a batching window was
// closed or dropped by a failed send are not lost. Falls back to the
// run's matches when the store query fails or the subscriber was never
// notified.
func (d *Dispatcher) backlog(ctx context.Context, sub models.Subscriber, runMatches []models.ProcessedUpdate) []models.ProcessedUpdate {
	if sub.LastNotifiedAt == nil {
		return runMatches
	}
	stored, err := d.st.ProcessedSince(ctx, sub.Topics, *sub.LastNotifiedAt, backlogLimit)
	if err != nil {
		d.log.Warnw("backlog query failed, bundling current run only",
			"subscriber", sub.ID, "error", err)
		return runMatches
	}

	seen := map[string]struct{}{}
	var bundle []models.ProcessedUpdate
	for _, u := range stored {
		seen[u.SourceID+"/"+u.ItemID] = struct{}{}
		bundle = append(bundle, u)
	}
	for _, u := range runMatches {
		if _, ok := seen[u.SourceID+"/"+u.ItemID]; ok {
			continue
		}
		bundle = append(bundle, u)
	}
	return bundle
}

func matching(updates []models.ProcessedUpdate, sub models.Subscriber) []models.ProcessedUpdate {
	var out []models.ProcessedUpdate
	for _, u := range updates {
		if sub.WantsTopic(u.Topic) {
			out = append(out, u)
		}
	}
	return out
}

func newIntent(subscriberID string, now time.Time, updates ...models.ProcessedUpdate) models.DeliveryIntent {
	return models.DeliveryIntent{
		ReferenceID:  uuid.NewString(),
		SubscriberID: subscriberID,
		Updates:      updates,
		CreatedAt:    now,
	}
}
