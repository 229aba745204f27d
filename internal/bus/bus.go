package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is one event as it travels over the bus.
type Message struct {
	Channel  string `json:"channel"`
	MonoTime uint64 `json:"mono_time"`
	Data     []byte `json:"data"`

	// Header holds per-message metadata, sent as NATS headers.
	Header map[string]string `json:"header,omitempty"`
}

// Publisher is the pub/sub output of the replay engine. Publish is called from the
// streaming goroutine in event order and should return quickly.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// StateRecorder is a subscriber snapshot: instead of fanning messages out, it keeps the
// latest message per channel for a consumer that polls.
type StateRecorder interface {
	Record(ctx context.Context, msg Message) error
}

// Handler consumes messages delivered by a MemoryBus.
type Handler func(Message)

// MemoryBus delivers messages synchronously to in-process subscribers. Nothing is
// dropped: a slow handler slows the publisher.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]memorySub
	nextID      int
	published   atomic.Uint64
}

type memorySub struct {
	channels map[string]struct{} // empty means all
	handler  Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[int]memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		if len(s.channels) > 0 {
			if _, ok := s.channels[msg.Channel]; !ok {
				continue
			}
		}
		s.handler(msg)
	}
	return nil
}

// Subscribe registers h for the given channels (all channels when none are given).
func (b *MemoryBus) Subscribe(h Handler, channels ...string) (unsubscribe func()) {
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = memorySub{channels: set, handler: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *MemoryBus) Published() uint64 {
	return b.published.Load()
}
