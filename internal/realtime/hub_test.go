package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

type observerStub struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *observerStub) RecordFanoutEvent(kind, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[kind+"/"+result]++
}

func acceptedEvent(sessionID string) models.Event {
	return models.Event{
		Kind:      models.EventAttendanceAccepted,
		SessionID: sessionID,
		Data: models.AttendanceAcceptedData{
			StudentID: "student-1",
			Status:    models.AttendanceStatusPresent,
			ScannedAt: time.Date(2024, 3, 4, 9, 0, 5, 0, time.UTC),
			Flags:     []models.ScanFlag{models.FlagDeviceChanged},
		},
	}
}

func TestHubDeliversOnlyToSessionSubscribers(t *testing.T) {
	hub := NewHub(HubConfig{})
	s1 := hub.Subscribe("s1", true)
	s2 := hub.Subscribe("s2", true)

	require.NoError(t, hub.Publish(context.Background(), models.Event{Kind: models.EventSessionStatus, SessionID: "s1"}))

	select {
	case ev := <-s1.Events():
		assert.Equal(t, models.EventSessionStatus, ev.Kind)
	default:
		t.Fatal("expected event for s1")
	}
	select {
	case <-s2.Events():
		t.Fatal("s2 must not receive s1 events")
	default:
	}
}

func TestHubAnonymizesForPartialViewers(t *testing.T) {
	hub := NewHub(HubConfig{})
	full := hub.Subscribe("s1", true)
	projector := hub.Subscribe("s1", false)

	require.NoError(t, hub.Publish(context.Background(), acceptedEvent("s1")))

	fullData := (<-full.Events()).Data.(models.AttendanceAcceptedData)
	assert.Equal(t, "student-1", fullData.StudentID)
	assert.Len(t, fullData.Flags, 1)

	anon := (<-projector.Events()).Data.(models.AttendanceAcceptedData)
	assert.Empty(t, anon.StudentID)
	assert.Empty(t, anon.Flags)
	assert.Equal(t, models.AttendanceStatusPresent, anon.Status)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	obs := &observerStub{}
	hub := NewHub(HubConfig{BufferSize: 1, Observer: obs})
	sub := hub.Subscribe("s1", true)

	ev := models.Event{Kind: models.EventCredentialRotated, SessionID: "s1"}
	require.NoError(t, hub.Publish(context.Background(), ev))
	require.NoError(t, hub.Publish(context.Background(), ev))

	assert.Len(t, sub.Events(), 1)
	assert.Equal(t, 1, obs.results["credential.rotated/delivered"])
	assert.Equal(t, 1, obs.results["credential.rotated/dropped"])
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1", false)
	assert.Equal(t, 1, hub.Subscribers("s1"))

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers("s1"))
	require.NoError(t, hub.Publish(context.Background(), acceptedEvent("s1")))
}

func TestHubUnsubscribeSession(t *testing.T) {
	hub := NewHub(HubConfig{})
	a := hub.Subscribe("s1", true)
	b := hub.Subscribe("s1", false)
	other := hub.Subscribe("s2", false)

	assert.Equal(t, 2, hub.UnsubscribeSession("s1"))

	_, openA := <-a.Events()
	_, openB := <-b.Events()
	assert.False(t, openA)
	assert.False(t, openB)
	assert.Equal(t, 1, hub.Subscribers("s2"))

	hub.Unsubscribe(a)
	hub.Unsubscribe(other)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(HubConfig{})
	a := hub.Subscribe("s1", true)
	b := hub.Subscribe("s2", false)

	assert.Equal(t, 2, hub.Close())
	_, openA := <-a.Events()
	_, openB := <-b.Events()
	assert.False(t, openA)
	assert.False(t, openB)
	assert.Zero(t, hub.Close())
	hub.Unsubscribe(a)
}

func TestHubConcurrentPublishAndUnsubscribe(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 4})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub := hub.Subscribe("s1", i%2 == 0)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), acceptedEvent("s1"))
		}()
		go func() {
			defer wg.Done()
			hub.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers("s1"))
}
