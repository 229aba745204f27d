package camera

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/metrics"
)

var ErrClosed = errors.New("camera server closed")

// HeaderDecoder tells frame consumers which decode path to use: "hardware" or "software".
const HeaderDecoder = "Replay-Decoder"

// Frame is a camera frame reference taken from an encode-index event.
type Frame struct {
	Camera   event.Camera
	MonoTime uint64
	Segment  int
	Data     []byte
}

// Sink consumes camera frames in playback order.
type Sink interface {
	PushFrame(ctx context.Context, f Frame) error
}

type Config struct {
	Cameras       []event.Camera
	QueueSize     int
	NoHWDecoder   bool
	ChannelPrefix string // frames are published as <prefix><camera>, default "frame."
}

// Server forwards frames to the bus, one worker per camera so a slow stream does not
// delay the others. PushFrame blocks when a camera's queue is full.
type Server struct {
	pub    bus.Publisher
	cfg    Config
	queues map[event.Camera]chan Frame
	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex

	forwarded sync.Map // event.Camera -> *atomic.Uint64
}

func NewServer(pub bus.Publisher, cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "frame."
	}
	s := &Server{pub: pub, cfg: cfg, queues: make(map[event.Camera]chan Frame)}
	for _, c := range cfg.Cameras {
		q := make(chan Frame, cfg.QueueSize)
		s.queues[c] = q
		s.forwarded.Store(c, new(atomic.Uint64))
		s.wg.Add(1)
		go s.worker(c, q)
	}
	log.Printf("[INFO] Camera Server: %d stream(s), decoder=%s", len(s.queues), s.Decoder())
	return s
}

// Decoder names the decode path frame consumers are asked to use.
func (s *Server) Decoder() string {
	if s.cfg.NoHWDecoder {
		return "software"
	}
	return "hardware"
}

// Enabled reports whether the server has a stream for c.
func (s *Server) Enabled(c event.Camera) bool {
	_, ok := s.queues[c]
	return ok
}

func (s *Server) PushFrame(ctx context.Context, f Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	q, ok := s.queues[f.Camera]
	if !ok {
		return nil
	}
	select {
	case q <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forwarded returns how many frames of camera c reached the bus.
func (s *Server) Forwarded(c event.Camera) uint64 {
	if v, ok := s.forwarded.Load(c); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (s *Server) worker(c event.Camera, q chan Frame) {
	defer s.wg.Done()
	channel := s.cfg.ChannelPrefix + c.String()
	counter, _ := s.forwarded.Load(c)
	decoder := s.Decoder()
	for f := range q {
		err := s.pub.Publish(context.Background(), bus.Message{
			Channel:  channel,
			MonoTime: f.MonoTime,
			Data:     f.Data,
			Header:   map[string]string{HeaderDecoder: decoder},
		})
		if err != nil {
			metrics.PublishErrorsTotal.WithLabelValues("frame").Inc()
			log.Printf("[ERROR] Camera Server: %s frame at %d: %v", c, f.MonoTime, err)
			continue
		}
		counter.(*atomic.Uint64).Add(1)
	}
}

// Close drains queued frames and stops the workers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return
	}
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
