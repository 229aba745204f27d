// Package replay plays recorded routes back onto a pub/sub bus, paging segments in and
// out of memory around the playback position.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
	"github.com/technosupport/ts-replay/internal/timeline"
)

const nanosPerSegment = uint64(segment.Duration) * uint64(time.Second)

// loadTimeout bounds Load when the caller's context has no deadline.
const loadTimeout = 2 * time.Minute

// State is the coarse playback state.
type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateSeeking State = "seeking"
	StateHalted  State = "halted"
	StateStopped State = "stopped"
)

// Replay is one playback session of a route. Control methods may be called from any
// goroutine and return without waiting for playback.
type Replay struct {
	opts     Options
	deps     Deps
	hub      *notify.Hub
	timeline *timeline.Timeline
	allow    map[string]struct{}
	block    map[string]struct{}
	cameras  map[event.Camera]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by mu
	mu          sync.Mutex
	id          route.Identifier
	catalog     *route.Catalog
	routeStart  uint64
	fingerprint string
	window      map[int]*segmentEntry
	center      int
	cacheLimit  int
	loadQueue   []*segmentEntry
	activeLoads int
	merged      map[int]mergedSegment
	buffer      []event.Event // replaced, never modified in place
	cursor      event.Position
	epoch       uint64
	seekingTo   *float64
	halted      bool
	started     bool
	streamDone  chan struct{}

	currentSegment atomic.Int32
	curMonoTime    atomic.Uint64
	maxSeconds     atomic.Uint64 // float64 bits
	speed          atomic.Uint64 // float64 bits
	paused         atomic.Bool
	exit           atomic.Bool
	interrupt      atomic.Bool
	finished       atomic.Bool
	loop           atomic.Bool

	filter atomic.Pointer[installedFilter]
	wake   chan struct{}

	// owned by the streaming goroutine
	pacer          pacer
	publishFailing bool

	loadWG   sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options, deps Deps) *Replay {
	if opts.Session == "" {
		opts.Session = uuid.New().String()
	}
	if opts.LoadWorkers <= 0 {
		opts.LoadWorkers = defaultLoadWorkers
	}
	if deps.Source == nil {
		deps.Source = route.DirSource{Root: opts.DataDir}
	}
	if deps.Loader == nil {
		deps.Loader = segment.NewLoader(segment.NewFetcher(nil), !opts.Flags.NoFileCache)
	}
	if deps.Publisher == nil {
		deps.Publisher = bus.NewMemoryBus()
	}
	if opts.Flags.NoVideoPipeline {
		deps.Frames = nil
	}

	r := &Replay{
		opts:       opts,
		deps:       deps,
		hub:        notify.NewHub(opts.Session),
		timeline:   timeline.New(0),
		allow:      toSet(opts.Allow),
		block:      toSet(opts.Block),
		cameras:    make(map[event.Camera]struct{}),
		window:     make(map[int]*segmentEntry),
		merged:     make(map[int]mergedSegment),
		cacheLimit: max(opts.SegmentCacheLimit, MinSegmentsCache),
		wake:       make(chan struct{}, 1),
	}
	for _, c := range opts.Flags.Cameras() {
		r.cameras[c] = struct{}{}
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.speed.Store(math.Float64bits(1))
	r.loop.Store(!opts.Flags.NoLoop)
	return r
}

func toSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, s := range list {
		out[s] = struct{}{}
	}
	return out
}

// Load resolves the route and decodes its first segment to anchor the route clock.
// On failure no state is retained.
func (r *Replay) Load(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		return ErrAlreadyLoaded
	}
	if r.exit.Load() {
		return ErrStopped
	}

	id, err := route.ParseIdentifier(r.opts.Route)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, loadTimeout)
		defer cancel()
	}
	cat, err := r.deps.Source.Resolve(ctx, id)
	if err != nil {
		var re *route.RouteError
		if !errors.As(err, &re) {
			err = &route.RouteError{Kind: route.MalformedCatalog, Route: id.String(), Err: err}
		}
		return err
	}

	first := cat.First()
	events, err := r.deps.Loader.Load(ctx, first, cat.Segments[first])
	if err == nil && len(events) == 0 {
		err = errors.New("log has no events")
	}
	if err != nil {
		return &SegmentLoadError{Segment: first, Fatal: true, Err: err}
	}

	offset := uint64(first) * nanosPerSegment
	var routeStart uint64
	if events[0].MonoTime >= offset {
		routeStart = events[0].MonoTime - offset
	} else {
		log.Printf("[WARN] Replay: segment %d starts before its nominal offset, anchoring route clock at 0", first)
	}

	r.mu.Lock()
	r.id = id
	r.catalog = cat
	r.routeStart = routeStart
	r.fingerprint = ""
	r.timeline.Reset(routeStart)
	r.window = map[int]*segmentEntry{}
	r.merged = map[int]mergedSegment{}
	r.buffer = nil
	r.center = first
	r.currentSegment.Store(int32(first))
	start := r.secondsToMono(float64(first * segment.Duration))
	r.curMonoTime.Store(start)
	r.cursor = event.Before(start)
	r.maxSeconds.Store(math.Float64bits(float64((cat.Last() + 1) * segment.Duration)))

	e := &segmentEntry{index: first, state: SegmentLoaded, events: events}
	r.window[first] = e
	r.segmentLoadedLocked(e)
	r.mergeSegmentsLocked()
	r.mu.Unlock()

	if r.deps.OnLogLoaded != nil {
		r.deps.OnLogLoaded(first, events)
	}
	r.hub.Emit(notify.Notification{Kind: notify.MinMaxTimeChanged, MinSec: r.MinSeconds(), MaxSec: r.MaxSeconds()})
	log.Printf("[INFO] Replay: loaded route %s (%d segment(s), car %q)", id, len(cat.Segments), r.CarFingerprint())
	return nil
}

// AddSegment extends a loaded route with a segment that appeared after Load, for routes
// that are still being recorded.
func (r *Replay) AddSegment(index int, files segment.Files) {
	if files.Empty() || index < 0 {
		return
	}

	r.mu.Lock()
	if r.catalog == nil || !r.id.Contains(index) {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.catalog.Segments[index]; ok && prev == files {
		r.mu.Unlock()
		return
	}
	r.catalog.Segments[index] = files
	if e, ok := r.window[index]; ok && e.state == SegmentFailed {
		r.evictLocked(e)
	}
	raised := r.raiseMaxSecondsLocked(float64((index + 1) * segment.Duration))
	r.setWindowCenterLocked(r.center)
	id := r.id
	r.mu.Unlock()

	r.hub.Emit(notify.Notification{Kind: notify.RouteUpdated, Segment: index})
	if raised {
		r.hub.Emit(notify.Notification{Kind: notify.MinMaxTimeChanged, MinSec: r.MinSeconds(), MaxSec: r.MaxSeconds()})
	}
	r.wakeStream()
	log.Printf("[INFO] Replay: route %s gained segment %d", id, index)
}

// Subscribe registers an observer. Notifications arrive in emission order on a
// goroutine owned by the observer.
func (r *Replay) Subscribe(h func(notify.Notification)) (unsubscribe func()) {
	return r.hub.Subscribe(h)
}

func (r *Replay) Session() string {
	return r.opts.Session
}

func (r *Replay) Route() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		return r.opts.Route
	}
	return r.id.String()
}

// Catalog returns a copy of the resolved catalog and its identifier, or nil before Load.
func (r *Replay) Catalog() (route.Identifier, *route.Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		return route.Identifier{}, nil
	}
	return r.id, r.catalog.Clone()
}

// InstallEventFilter replaces the event filter; nil removes it.
func (r *Replay) InstallEventFilter(fn EventFilter, opaque any) {
	if fn == nil {
		r.filter.Store(nil)
		return
	}
	r.filter.Store(&installedFilter{fn: fn, opaque: opaque})
}

// SetSpeed changes the playback rate from the next pacing decision on. Values are
// clamped to [MinSpeed, MaxSpeed].
func (r *Replay) SetSpeed(s float64) error {
	if s <= 0 || math.IsNaN(s) {
		return ErrInvalidSpeed
	}
	r.speed.Store(math.Float64bits(clampSpeed(s)))
	return nil
}

func (r *Replay) Speed() float64 {
	return math.Float64frombits(r.speed.Load())
}

func (r *Replay) SetLoop(loop bool) {
	r.loop.Store(loop)
}

func (r *Replay) Loop() bool {
	return r.loop.Load()
}

func (r *Replay) IsPaused() bool {
	return r.paused.Load()
}

func (r *Replay) CurrentSegment() int {
	return int(r.currentSegment.Load())
}

// CurrentSeconds is the playback position relative to the route start.
func (r *Replay) CurrentSeconds() float64 {
	r.mu.Lock()
	start := r.routeStart
	r.mu.Unlock()
	mono := r.curMonoTime.Load()
	if mono < start {
		return 0
	}
	return float64(mono-start) / 1e9
}

func (r *Replay) RouteStartNanos() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeStart
}

// RouteDateTime is the wall-clock start encoded in the route name.
func (r *Replay) RouteDateTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		return time.Time{}
	}
	return r.id.Time()
}

func (r *Replay) CarFingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint
}

func (r *Replay) MinSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minSecondsLocked()
}

func (r *Replay) minSecondsLocked() float64 {
	if r.catalog == nil {
		return 0
	}
	return float64(r.catalog.First() * segment.Duration)
}

func (r *Replay) MaxSeconds() float64 {
	return math.Float64frombits(r.maxSeconds.Load())
}

func (r *Replay) Timeline() []timeline.Entry {
	return r.timeline.Entries()
}

func (r *Replay) FindAlertAtTime(sec float64) (timeline.Entry, bool) {
	return r.timeline.FindAlertAtTime(sec)
}

func (r *Replay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.exit.Load() || r.finished.Load():
		return StateStopped
	case !r.started:
		return StateIdle
	case r.halted:
		return StateHalted
	case r.seekingTo != nil:
		return StateSeeking
	case r.paused.Load():
		return StatePaused
	default:
		return StatePlaying
	}
}

// Status is a point-in-time view of the engine for reporting. Fields are read one by
// one, so they may straddle a concurrent transition.
type Status struct {
	Session        string               `json:"session"`
	Route          string               `json:"route"`
	State          State                `json:"state"`
	Seconds        float64              `json:"seconds"`
	MinSeconds     float64              `json:"min_seconds"`
	MaxSeconds     float64              `json:"max_seconds"`
	CurrentSegment int                  `json:"current_segment"`
	Speed          float64              `json:"speed"`
	Paused         bool                 `json:"paused"`
	Loop           bool                 `json:"loop"`
	CacheLimit     int                  `json:"segment_cache_limit"`
	Segments       map[int]SegmentState `json:"segments"`
	CarFingerprint string               `json:"car_fingerprint,omitempty"`
	RouteDateTime  time.Time            `json:"route_date_time"`
}

func (r *Replay) Status() Status {
	return Status{
		Session:        r.Session(),
		Route:          r.Route(),
		State:          r.State(),
		Seconds:        r.CurrentSeconds(),
		MinSeconds:     r.MinSeconds(),
		MaxSeconds:     r.MaxSeconds(),
		CurrentSegment: r.CurrentSegment(),
		Speed:          r.Speed(),
		Paused:         r.IsPaused(),
		Loop:           r.Loop(),
		CacheLimit:     r.SegmentCacheLimit(),
		Segments:       r.Segments(),
		CarFingerprint: r.CarFingerprint(),
		RouteDateTime:  r.RouteDateTime(),
	}
}

// Close stops playback and releases every segment. The engine cannot be restarted.
func (r *Replay) Close() {
	r.Stop()

	r.mu.Lock()
	for _, e := range r.window {
		r.evictLocked(e)
	}
	r.buffer = nil
	r.merged = map[int]mergedSegment{}
	r.updateGaugesLocked()
	r.mu.Unlock()
}

func (r *Replay) secondsToMono(sec float64) uint64 {
	if sec <= 0 {
		return r.routeStart
	}
	return r.routeStart + uint64(sec*1e9)
}

func (r *Replay) monoToSeconds(mono uint64) float64 {
	if mono < r.routeStart {
		return 0
	}
	return float64(mono-r.routeStart) / 1e9
}

// raiseMaxSecondsLocked moves the high-water mark up; it never moves it down.
func (r *Replay) raiseMaxSecondsLocked(sec float64) bool {
	if sec <= r.MaxSeconds() {
		return false
	}
	r.maxSeconds.Store(math.Float64bits(sec))
	return true
}

type carParams struct {
	CarFingerprint string `json:"carFingerprint"`
}

// segmentLoadedLocked records what the rest of the engine learns from a decoded segment.
func (r *Replay) segmentLoadedLocked(e *segmentEntry) {
	r.timeline.Ingest(e.index, e.events)
	if r.fingerprint != "" {
		return
	}
	for _, ev := range e.events {
		if ev.Channel != "carParams" {
			continue
		}
		var cp carParams
		if err := json.Unmarshal(ev.Payload, &cp); err == nil && cp.CarFingerprint != "" {
			r.fingerprint = cp.CarFingerprint
		}
		break
	}
}

func (r *Replay) String() string {
	return fmt.Sprintf("replay[%s %s]", r.opts.Session, r.Route())
}
