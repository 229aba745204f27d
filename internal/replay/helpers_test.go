package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/camera"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
)

const testRoute = "a2a0ccea32023010|2023-07-27--13-01-19"

const waitFor = 5 * time.Second

type fakeSource struct {
	segments []int
	err      error
}

func (s fakeSource) Resolve(_ context.Context, id route.Identifier) (*route.Catalog, error) {
	if s.err != nil {
		return nil, s.err
	}
	cat := &route.Catalog{ID: id, Segments: map[int]segment.Files{}}
	for _, n := range s.segments {
		cat.Segments[n] = segment.Files{RLog: fmt.Sprintf("seg%d/rlog", n)}
	}
	return cat, nil
}

type fakeLoader struct {
	mu    sync.Mutex
	segs  map[int][]event.Event
	fail  map[int]error
	gates map[int]chan struct{}
	calls map[int]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		segs:  map[int][]event.Event{},
		fail:  map[int]error{},
		gates: map[int]chan struct{}{},
		calls: map[int]int{},
	}
}

func (l *fakeLoader) Load(ctx context.Context, index int, _ segment.Files) ([]event.Event, error) {
	l.mu.Lock()
	l.calls[index]++
	gate := l.gates[index]
	events, err := l.segs[index], l.fail[index]
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *fakeLoader) callCount(index int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[index]
}

// segmentEvents builds one segment with an event every step seconds, cycling through
// channels. Steps of 2s or more play back without sleeping.
func segmentEvents(n int, step float64, channels ...string) []event.Event {
	if len(channels) == 0 {
		channels = []string{"carState"}
	}
	var out []event.Event
	for k := 0; ; k++ {
		t := float64(n*segment.Duration) + float64(k)*step
		if t >= float64((n+1)*segment.Duration) {
			break
		}
		out = append(out, event.Event{
			MonoTime: uint64(t * 1e9),
			Channel:  channels[k%len(channels)],
			Payload:  []byte(`{}`),
			Segment:  n,
			Seq:      k,
		})
	}
	return out
}

type fixture struct {
	r         *Replay
	loader    *fakeLoader
	bus       *bus.MemoryBus
	published *recorder
	notes     *collector
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (rec *recorder) add(m bus.Message) {
	rec.mu.Lock()
	rec.msgs = append(rec.msgs, m)
	rec.mu.Unlock()
}

func (rec *recorder) snapshot() []bus.Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]bus.Message(nil), rec.msgs...)
}

func (rec *recorder) len() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.msgs)
}

type collector struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *collector) all() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.got...)
}

func (c *collector) has(kind notify.Kind, match func(notify.Notification) bool) bool {
	for _, n := range c.all() {
		if n.Kind == kind && (match == nil || match(n)) {
			return true
		}
	}
	return false
}

// newFixture builds a loaded engine over segments with the given events.
func newFixture(t *testing.T, opts Options, segs map[int][]event.Event, tweak func(*fakeLoader, *Deps)) *fixture {
	t.Helper()
	loader := newFakeLoader()
	var indices []int
	for n, evs := range segs {
		loader.segs[n] = evs
		indices = append(indices, n)
	}

	f := &fixture{loader: loader, bus: bus.NewMemoryBus(), published: &recorder{}, notes: &collector{}}
	f.bus.Subscribe(f.published.add)

	deps := Deps{Source: fakeSource{segments: indices}, Loader: loader, Publisher: f.bus}
	if tweak != nil {
		tweak(loader, &deps)
	}
	if opts.Route == "" {
		opts.Route = testRoute
	}
	f.r = New(opts, deps)
	f.r.Subscribe(func(n notify.Notification) {
		f.notes.mu.Lock()
		f.notes.got = append(f.notes.got, n)
		f.notes.mu.Unlock()
	})
	t.Cleanup(f.r.Close)

	require.NoError(t, f.r.Load(context.Background()))
	return f
}

func threeSegments() map[int][]event.Event {
	return map[int][]event.Event{
		0: segmentEvents(0, 2),
		1: segmentEvents(1, 2),
		2: segmentEvents(2, 2),
	}
}

type frameSink struct {
	mu     sync.Mutex
	frames []camera.Frame
}

func (s *frameSink) PushFrame(_ context.Context, f camera.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) cameras() []event.Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Camera
	for _, f := range s.frames {
		out = append(out, f.Camera)
	}
	return out
}

func selfdriveState(t *testing.T, at float64, alert bool) event.Event {
	t.Helper()
	st := map[string]any{"enabled": false, "alertStatus": "normal", "alertSize": "none", "alertText1": ""}
	if alert {
		st["alertSize"] = "small"
		st["alertText1"] = "Take Control"
	}
	b, err := json.Marshal(st)
	require.NoError(t, err)
	return event.Event{MonoTime: uint64(at * 1e9), Channel: "selfdriveState", Payload: b, Seq: int(at)}
}
