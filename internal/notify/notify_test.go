package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversInEmissionOrder(t *testing.T) {
	hub := NewHub("sess-1")

	var (
		mu  sync.Mutex
		got []float64
	)
	done := make(chan struct{})
	unsub := hub.Subscribe(func(n Notification) {
		mu.Lock()
		got = append(got, n.Seconds)
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 100; i++ {
		hub.Emit(Notification{Kind: Seeking, Seconds: float64(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, float64(i), v)
	}
}

func TestHub_StampsSessionAndError(t *testing.T) {
	hub := NewHub("sess-2")
	ch := make(chan Notification, 1)
	unsub := hub.Subscribe(func(n Notification) { ch <- n })
	defer unsub()

	hub.Emit(Notification{Kind: SegmentLoadFailed, Segment: 2, Err: errors.New("boom")})

	select {
	case n := <-ch:
		assert.Equal(t, "sess-2", n.Session)
		assert.Equal(t, "boom", n.Error)
		assert.False(t, n.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub("")
	var count int
	var mu sync.Mutex
	unsub := hub.Subscribe(func(Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	unsub() // idempotent

	hub.Emit(Notification{Kind: StreamStarted})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}

func TestHub_SlowSubscriberDoesNotBlockEmit(t *testing.T) {
	hub := NewHub("")
	block := make(chan struct{})
	unsub := hub.Subscribe(func(Notification) { <-block })
	defer func() {
		close(block)
		unsub()
	}()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		hub.Emit(Notification{Kind: SegmentsMerged})
	}
	assert.Less(t, time.Since(start), time.Second)
}
