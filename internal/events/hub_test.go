// ABOUTME: Tests for the project event hub
// ABOUTME: Covers fan-out, project isolation, context cleanup, slow subscribers, and close

package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(projectID, requestID string) *Event {
	return &Event{
		Type:      "run_output",
		ProjectID: projectID,
		RequestID: requestID,
		AgentID:   "agent-1",
		At:        time.Now(),
		Payload:   json.RawMessage(`{"chunk":"hi"}`),
	}
}

func TestHub_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context(), "p1")
	ch2, _ := h.Subscribe(t.Context(), "p1")

	h.Publish(makeEvent("p1", "r1"))

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "r1", got.RequestID, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestHub_ProjectsAreIsolated(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context(), "p1")
	ch2, _ := h.Subscribe(t.Context(), "p2")

	h.Publish(makeEvent("p1", "r1"))

	select {
	case got := <-ch1:
		assert.Equal(t, "p1", got.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for p1 timed out")
	}
	select {
	case <-ch2:
		t.Fatal("subscriber for p2 should not receive p1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellationUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "p1")
	require.Equal(t, 1, h.Subscribers("p1"))

	cancel()
	require.Eventually(t, func() bool { return h.Subscribers("p1") == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancellation")
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	_, _ = h.Subscribe(t.Context(), "p1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			h.Publish(makeEvent("p1", "r"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	_, subID := h.Subscribe(t.Context(), "p1")
	h.Unsubscribe("p1", subID)
	h.Unsubscribe("p1", subID)
	h.Unsubscribe("nope", subID)
	assert.Equal(t, 0, h.Subscribers("p1"))
}

func TestHub_CloseClosesAllAndLaterSubscriptions(t *testing.T) {
	h := NewHub(nil)
	ch, _ := h.Subscribe(t.Context(), "p1")

	h.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe(t.Context(), "p1")
	_, ok = <-late
	assert.False(t, ok)
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := h.Subscribe(ctx, "p1")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(makeEvent("p1", "r"))
			}
			cancel()
		}()
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
	}
	wg.Wait()
}
