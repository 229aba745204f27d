package notify

import (
	"sync"
	"time"
)

// Kind identifies a replay notification.
type Kind string

const (
	StreamStarted     Kind = "stream_started"
	SegmentsMerged    Kind = "segments_merged"
	Seeking           Kind = "seeking"
	SeekedTo          Kind = "seeked_to"
	MinMaxTimeChanged Kind = "min_max_time_changed"
	SegmentLoadFailed Kind = "segment_load_failed"
	StreamStalled     Kind = "stream_stalled"
	StreamFinished    Kind = "stream_finished"
	PublishFailed     Kind = "publish_failed"
	RouteUpdated      Kind = "route_updated"
)

// Notification is one observable replay event. Only the fields relevant to Kind are set.
// Positions and segment indices are always encoded: 0 is a valid target and index.
type Notification struct {
	Kind     Kind      `json:"kind"`
	Session  string    `json:"session,omitempty"`
	At       time.Time `json:"at"`
	Seconds  float64   `json:"seconds"`
	MinSec   float64   `json:"min_seconds"`
	MaxSec   float64   `json:"max_seconds"`
	Segment  int       `json:"segment"`
	Segments []int     `json:"segments,omitempty"`
	Fatal    bool      `json:"fatal,omitempty"`
	Error    string    `json:"error,omitempty"`
	Err      error     `json:"-"`
}

// Handler consumes notifications on the subscriber's own goroutine.
type Handler func(Notification)

// Hub fans notifications out to subscribers. Each subscriber has an unbounded queue
// drained by a dedicated goroutine, so Emit never blocks the caller and every
// subscriber sees notifications in emission order.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	session     string
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Notification
	signal  chan struct{}
	done    chan struct{}
	handler Handler
}

func NewHub(session string) *Hub {
	return &Hub{
		subscribers: make(map[int]*subscriber),
		session:     session,
	}
}

// Subscribe registers h and returns a function that removes it. Notifications queued
// before the unsubscribe are still delivered.
func (h *Hub) Subscribe(handler Handler) (unsubscribe func()) {
	s := &subscriber{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
	}
	go s.run()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(s.done)
		})
	}
}

// Emit stamps n and queues it for every current subscriber.
func (h *Hub) Emit(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	if n.Session == "" {
		n.Session = h.session
	}
	if n.Err != nil && n.Error == "" {
		n.Error = n.Err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subscribers {
		s.push(n)
	}
}

func (s *subscriber) push(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.signal:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, n := range batch {
			s.handler(n)
		}
	}
}
