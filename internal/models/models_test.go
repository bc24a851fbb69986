package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency(" Daily ")
	require.NoError(t, err)
	assert.Equal(t, FrequencyDaily, f)

	_, err = ParseFrequency("hourly")
	assert.ErrorIs(t, err, ErrInvalidPreferences)

	_, err = ParseFrequency("")
	assert.ErrorIs(t, err, ErrInvalidPreferences)
}

func TestFrequencyWindow(t *testing.T) {
	assert.Equal(t, time.Duration(0), FrequencyImmediate.Window())
	assert.Equal(t, 24*time.Hour, FrequencyDaily.Window())
	assert.Equal(t, 7*24*time.Hour, FrequencyWeekly.Window())
}

func TestTopicSet(t *testing.T) {
	ts := NewTopicSet("Decisions", "press-releases", "  ", "decisions")
	assert.True(t, ts.Contains("DECISIONS"))
	assert.False(t, ts.Contains("sports"))
	assert.Equal(t, []string{"decisions", "press-releases"}, ts.Sorted())
}

func TestSubscriberDueAt(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-23 * time.Hour)
	longAgo := now.Add(-25 * time.Hour)

	assert.True(t, Subscriber{Frequency: FrequencyDaily}.DueAt(now),
		"never-notified subscribers are always due")
	assert.True(t, Subscriber{Frequency: FrequencyImmediate, LastNotifiedAt: &earlier}.DueAt(now))
	assert.False(t, Subscriber{Frequency: FrequencyDaily, LastNotifiedAt: &earlier}.DueAt(now))
	assert.True(t, Subscriber{Frequency: FrequencyDaily, LastNotifiedAt: &longAgo}.DueAt(now))
	assert.False(t, Subscriber{Frequency: FrequencyWeekly, LastNotifiedAt: &longAgo}.DueAt(now))
}

func TestWantsTopic(t *testing.T) {
	s := Subscriber{Topics: []string{"decisions"}}
	assert.True(t, s.WantsTopic("Decisions "))
	assert.False(t, s.WantsTopic("press-releases"))
}
