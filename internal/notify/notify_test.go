package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"storybook-pipeline/internal/models"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe("job-1")
	b, cancelB := hub.Subscribe("job-1")
	other, cancelOther := hub.Subscribe("job-2")
	defer cancelOther()

	hub.Publish(Event{JobID: "job-1", Status: "processing", Progress: 40})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			require.Equal(t, "job-1", ev.JobID)
			require.Equal(t, 40, ev.Progress)
			require.False(t, ev.Timestamp.IsZero())
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
	require.Empty(t, other)

	cancelA()
	cancelB()
	require.Zero(t, hub.SubscriberCount("job-1"))
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(Event{JobID: "job-1", Progress: i})
	}
	require.Len(t, ch, subscriberBuffer)
}

func TestRedisBridgeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub()
	bridge := NewRedisBridge(client, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	sub, cancelSub := hub.Subscribe("job-9")
	defer cancelSub()

	// Wait until the bridge's subscription is attached; Publish reports how
	// many subscribers received the message.
	payload, err := json.Marshal(Event{JobID: "job-9", Status: "processing", Progress: 60})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mr.Publish("books:events", string(payload)) > 0
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-sub:
		require.Equal(t, "processing", ev.Status)
		require.Equal(t, 60, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("event never arrived through the bridge")
	}

	require.NoError(t, bridge.Publish(ctx, Event{JobID: "job-9", Status: "completed", Progress: 100}))
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Status == "completed" {
				require.Equal(t, 100, ev.Progress)
			} else {
				continue // duplicate from the attach probe
			}
		case <-deadline:
			t.Fatal("bridged publish never arrived")
		}
		break
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEmailNotifierPostsPayload(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var in completionPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "job-3", in.JobID)
		require.Equal(t, "story_adventure", in.JobType)
		require.Equal(t, "parent@example.com", in.Recipient)
	}))
	defer srv.Close()

	n := NewEmailNotifier(srv.URL, time.Second)
	err := n.NotifyCompletion(context.Background(), models.Job{
		ID:      "job-3",
		Type:    models.TypeStoryAdventure,
		JobData: map[string]any{"user_email": "parent@example.com"},
	}, map[string]any{"pdf_url": "pdfs/x.pdf"})
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestEmailNotifierNoURLIsNoOp(t *testing.T) {
	n := NewEmailNotifier("", time.Second)
	require.NoError(t, n.NotifyCompletion(context.Background(), models.Job{ID: "x"}, nil))
}

func TestEmailNotifierReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "smtp down", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewEmailNotifier(srv.URL, time.Second)
	err := n.NotifyCompletion(context.Background(), models.Job{ID: "x"}, nil)
	require.ErrorContains(t, err, "status 502")
}
