package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var ev Event
		if err := json.NewDecoder(req.Body).Decode(&ev); err == nil {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
		w.WriteHeader(status)
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestNewDispatcher_RequiresEndpoint(t *testing.T) {
	_, err := NewDispatcher("  ")
	require.Error(t, err)
}

func TestDispatcher_DeliversInOrderAndDrains(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusNoContent))
	defer srv.Close()

	d, err := NewDispatcher(srv.URL)
	require.NoError(t, err)
	d.Start()

	require.True(t, d.Enqueue(Event{Type: EventChatCompleted, Data: map[string]any{"n": 1}}))
	require.True(t, d.Enqueue(Event{Type: EventChatCompleted, Data: map[string]any{"n": 2}}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	events := rec.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, float64(1), events[0].Data["n"])
	require.Equal(t, float64(2), events[1].Data["n"])
	require.False(t, events[0].OccurredAt.IsZero())

	delivered, failed := d.Stats()
	require.Equal(t, int64(2), delivered)
	require.Zero(t, failed)
}

func TestDispatcher_FailuresAreCountedNotRetried(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer srv.Close()

	d, err := NewDispatcher(srv.URL)
	require.NoError(t, err)
	d.Start()
	require.True(t, d.Enqueue(Event{Type: EventChatCompleted}))
	require.NoError(t, d.Drain(context.Background()))

	require.Len(t, rec.snapshot(), 1)
	delivered, failed := d.Stats()
	require.Zero(t, delivered)
	require.Equal(t, int64(1), failed)
}

func TestDispatcher_UnreachableEndpointCountsFailure(t *testing.T) {
	d, err := NewDispatcher("http://127.0.0.1:1/hook", WithDeliveryTimeout(200*time.Millisecond))
	require.NoError(t, err)
	d.Start()
	require.True(t, d.Enqueue(Event{Type: EventChatCompleted}))
	require.NoError(t, d.Drain(context.Background()))

	_, failed := d.Stats()
	require.Equal(t, int64(1), failed)
}

func TestDispatcher_EnqueueDoesNotBlockWhenFull(t *testing.T) {
	d, err := NewDispatcher("http://127.0.0.1:1/hook", WithQueueSize(1))
	require.NoError(t, err)
	// Worker not started: the single slot fills and the next event is dropped.
	require.True(t, d.Enqueue(Event{Type: EventChatCompleted}))
	require.False(t, d.Enqueue(Event{Type: EventChatCompleted}))
}

func TestDispatcher_EnqueueAfterDrainIsRejected(t *testing.T) {
	d, err := NewDispatcher("http://127.0.0.1:1/hook")
	require.NoError(t, err)
	require.NoError(t, d.Drain(context.Background()))
	require.False(t, d.Enqueue(Event{Type: EventChatCompleted}))
	// A second drain is harmless.
	require.NoError(t, d.Drain(context.Background()))
}

func TestDispatcher_DrainHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d, err := NewDispatcher(srv.URL)
	require.NoError(t, err)
	d.Start()
	require.True(t, d.Enqueue(Event{Type: EventChatCompleted}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)
}
