package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Frequency controls how often a subscriber is notified.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Window returns the minimum elapsed time between notifications.
// Immediate has no window.
func (f Frequency) Window() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseFrequency normalizes and validates a frequency string.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidPreferences, s)
	}
}

// ErrInvalidPreferences marks preference input rejected by validation.
// The prior subscriber state is left untouched when it is returned.
var ErrInvalidPreferences = errors.New("invalid preferences")

// NormalizeTopic lowercases and trims a topic name.
func NormalizeTopic(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TopicSet is the set of topics known to the system, derived from the
// configured sources.
type TopicSet map[string]struct{}

func NewTopicSet(topics ...string) TopicSet {
	ts := make(TopicSet, len(topics))
	for _, t := range topics {
		if t = NormalizeTopic(t); t != "" {
			ts[t] = struct{}{}
		}
	}
	return ts
}

func (ts TopicSet) Contains(topic string) bool {
	_, ok := ts[NormalizeTopic(topic)]
	return ok
}

// Sorted returns the topics in deterministic order, for logs and errors.
func (ts TopicSet) Sorted() []string {
	out := make([]string, 0, len(ts))
	for t := range ts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// FeedItem is one syndicated entry normalized from a feed, prior to
// enrichment. (SourceID, ItemID) is globally unique and immutable.
type FeedItem struct {
	SourceID    string
	ItemID      string
	Title       string
	Link        string
	Topic       string
	PublishedAt time.Time
	RawBody     string
}

// Key identifies the item across runs.
func (it FeedItem) Key() string {
	return it.SourceID + "/" + it.ItemID
}

// ProcessedUpdate is a FeedItem after enrichment, owned by the update
// store. Created exactly once per novel item, never mutated afterwards.
type ProcessedUpdate struct {
	SourceID    string
	ItemID      string
	Title       string
	Link        string
	Topic       string
	Summary     string
	Tags        []string
	RawBody     string
	PublishedAt time.Time
	ProcessedAt time.Time
}

// Subscriber holds per-user delivery preferences. LastNotifiedAt is
// advanced only by the dispatcher.
type Subscriber struct {
	ID             string
	Topics         []string
	Frequency      Frequency
	LastNotifiedAt *time.Time
}

// WantsTopic reports whether the subscriber selected the given topic.
func (s Subscriber) WantsTopic(topic string) bool {
	topic = NormalizeTopic(topic)
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// DueAt reports whether enough time has passed since the last
// notification for the subscriber's frequency window. A subscriber who
// has never been notified is always due.
func (s Subscriber) DueAt(now time.Time) bool {
	if s.Frequency == FrequencyImmediate {
		return true
	}
	if s.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*s.LastNotifiedAt) >= s.Frequency.Window()
}

// DeliveryIntent is a decided notification for one subscriber, not yet
// transmitted. Batched frequencies bundle several updates into one.
type DeliveryIntent struct {
	ReferenceID  string
	SubscriberID string
	Updates      []ProcessedUpdate
	CreatedAt    time.Time
}
