package notify

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-bridge/internal/models"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	a := hub.Subscribe()
	b := hub.Subscribe()
	defer a.Close()
	defer b.Close()

	evt := models.Event{Event: models.EventJobStarted, JobID: "j1"}
	hub.Publish(evt)

	assert.Equal(t, evt, <-a.C)
	assert.Equal(t, evt, <-b.C)
	assert.Equal(t, 2, hub.Len())
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	hub.Publish(models.Event{Event: models.EventJobStarted, JobID: "early"})

	sub := hub.Subscribe()
	defer sub.Close()

	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected replayed event %+v", evt)
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	slow := hub.Subscribe()
	fast := hub.Subscribe()

	hub.Publish(models.Event{Event: models.EventJobStarted, JobID: "j1"})
	<-fast.C
	hub.Publish(models.Event{Event: models.EventJobCompleted, JobID: "j1"})

	assert.Equal(t, 1, hub.Len())

	first, ok := <-slow.C
	require.True(t, ok)
	assert.Equal(t, models.EventJobStarted, first.Event)
	_, ok = <-slow.C
	assert.False(t, ok, "dropped subscriber channel is closed")

	got := <-fast.C
	assert.Equal(t, models.EventJobCompleted, got.Event)

	// Closing a dropped subscription is harmless.
	slow.Close()
	fast.Close()
	assert.Equal(t, 0, hub.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub(0, zerolog.Nop())
	sub := hub.Subscribe()

	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Len())

	hub.Publish(models.Event{Event: models.EventJobFailed, JobID: "j2"})
}
