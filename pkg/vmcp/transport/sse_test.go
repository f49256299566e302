package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSSEServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSSEClient_DeliversFrames(t *testing.T) {
	t.Parallel()
	srv := newSSEServer(t, []string{"event: message\ndata: {\"a\":1}\n\n"})

	client := NewSSEClient(srv.URL)
	var mu sync.Mutex
	var got []Event
	unsub := client.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.Kind == EventFrame {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSSEClient_StartIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := newSSEServer(t, []string{"data: x\n\n"})
	client := NewSSEClient(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client.Start(ctx)
	client.Start(ctx) // second call must be a no-op, not a second reader
	defer client.Stop()

	require.Eventually(t, func() bool { return client.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestSSEClient_StopIsIdempotentAndConcurrentSafe(t *testing.T) {
	t.Parallel()
	srv := newSSEServer(t, []string{"data: x\n\n"})
	client := NewSSEClient(srv.URL)
	client.Start(context.Background())

	require.Eventually(t, func() bool { return client.IsConnected() }, time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Stop()
		}()
	}
	wg.Wait()

	assert.False(t, client.IsConnected())
	assert.Equal(t, StateClosed, client.State())
}

func TestSSEClient_SlowSubscriberIsDisconnectedNotBlocking(t *testing.T) {
	t.Parallel()

	// Many frames, fast producer, and a subscriber handler that never drains.
	frames := make([]string, 0, subscriberQueueDepth*4)
	for i := 0; i < subscriberQueueDepth*4; i++ {
		frames = append(frames, "data: x\n\n")
	}
	srv := newSSEServer(t, frames)

	client := NewSSEClient(srv.URL)
	block := make(chan struct{})
	unsub := client.Subscribe(func(_ Event) {
		<-block // never returns until test ends, simulating a stuck handler
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Start(ctx)
	defer func() {
		close(block)
		client.Stop()
	}()

	// The reader must still make progress (not deadlock) even though the
	// subscriber never drains its queue.
	require.Eventually(t, func() bool { return true }, time.Second, 50*time.Millisecond)
}
