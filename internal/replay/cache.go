package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/metrics"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/segment"
)

type SegmentState int

const (
	SegmentPending SegmentState = iota
	SegmentLoading
	SegmentLoaded
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentLoading:
		return "loading"
	case SegmentLoaded:
		return "loaded"
	case SegmentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SegmentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SegmentState) UnmarshalText(b []byte) error {
	for _, v := range []SegmentState{SegmentPending, SegmentLoading, SegmentLoaded, SegmentFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown segment state %q", b)
}

// segmentEntry is one slot of the window. An evicted entry is detached from the window
// map; late load results for it are recognised by identity and discarded.
type segmentEntry struct {
	index         int
	state         SegmentState
	events        []event.Event
	err           error
	cancel        context.CancelFunc
	fatalReported bool
}

// windowBounds returns the window [lo, hi] for center, clipped to the catalog.
func (r *Replay) windowBounds(center int) (int, int) {
	lo := max(r.catalog.First(), center-1)
	hi := min(r.catalog.Last(), center+r.cacheLimit-2)
	return lo, hi
}

// setWindowCenterLocked recomputes the window around center: evicts what fell out
// (never the current segment) and queues loads for what came in, nearest first.
func (r *Replay) setWindowCenterLocked(center int) {
	if r.catalog == nil || r.exit.Load() {
		return
	}
	forward := center > r.center
	r.center = center
	lo, hi := r.windowBounds(center)
	current := r.CurrentSegment()

	var out []*segmentEntry
	for n, e := range r.window {
		if (n < lo || n > hi) && n != current {
			out = append(out, e)
		}
	}
	// farthest first
	slices.SortFunc(out, func(a, b *segmentEntry) int {
		return abs(b.index-center) - abs(a.index-center)
	})
	for _, e := range out {
		r.evictLocked(e)
	}

	for n := lo; n <= hi; n++ {
		if _, ok := r.catalog.Segments[n]; !ok {
			continue
		}
		if _, ok := r.window[n]; ok {
			continue
		}
		e := &segmentEntry{index: n, state: SegmentPending}
		r.window[n] = e
		r.loadQueue = append(r.loadQueue, e)
	}

	if forward {
		r.pruneBufferLocked(lo)
	}
	r.pumpLoadsLocked()
	r.updateGaugesLocked()
}

func (r *Replay) evictLocked(e *segmentEntry) {
	if r.window[e.index] == e {
		delete(r.window, e.index)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.events = nil
}

// pumpLoadsLocked starts queued loads, nearest to the window center first, up to the
// worker limit.
func (r *Replay) pumpLoadsLocked() {
	if r.exit.Load() {
		r.loadQueue = nil
		return
	}
	center := r.center
	slices.SortStableFunc(r.loadQueue, func(a, b *segmentEntry) int {
		return abs(a.index-center) - abs(b.index-center)
	})

	for r.activeLoads < r.opts.LoadWorkers && len(r.loadQueue) > 0 {
		e := r.loadQueue[0]
		r.loadQueue = r.loadQueue[1:]
		if r.window[e.index] != e || e.state != SegmentPending {
			continue
		}

		ctx, cancel := context.WithCancel(r.ctx)
		e.state = SegmentLoading
		e.cancel = cancel
		r.activeLoads++
		r.loadWG.Add(1)
		go r.runLoad(ctx, e, r.catalog.Segments[e.index])
	}
}

func (r *Replay) runLoad(ctx context.Context, e *segmentEntry, files segment.Files) {
	defer r.loadWG.Done()
	events, err := r.deps.Loader.Load(ctx, e.index, files)
	r.onSegmentLoadFinished(ctx, e, events, err)
}

// onSegmentLoadFinished runs on the loader goroutine.
func (r *Replay) onSegmentLoadFinished(ctx context.Context, e *segmentEntry, events []event.Event, err error) {
	r.mu.Lock()
	r.activeLoads--
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if r.exit.Load() || r.window[e.index] != e {
		metrics.SegmentLoadsTotal.WithLabelValues("cancelled").Inc()
		r.pumpLoadsLocked()
		r.mu.Unlock()
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			metrics.SegmentLoadsTotal.WithLabelValues("cancelled").Inc()
			r.pumpLoadsLocked()
			r.mu.Unlock()
			return
		}
		e.state = SegmentFailed
		e.err = err
		fatal := e.index == r.CurrentSegment() && !r.mergedLocked(e.index) && !r.opts.SkipFailedSegments
		if fatal {
			e.fatalReported = true
			r.halted = true
		}
		r.pumpLoadsLocked()
		r.updateGaugesLocked()
		r.mu.Unlock()

		metrics.SegmentLoadsTotal.WithLabelValues("fail").Inc()
		log.Printf("[ERROR] Replay: segment %d failed to load (fatal=%v): %v", e.index, fatal, err)
		lerr := &SegmentLoadError{Segment: e.index, Fatal: fatal, Err: err}
		r.hub.Emit(notify.Notification{Kind: notify.SegmentLoadFailed, Segment: e.index, Fatal: fatal, Err: lerr})
		r.wakeStream()
		return
	}

	e.state = SegmentLoaded
	e.events = events
	r.segmentLoadedLocked(e)
	r.mergeSegmentsLocked()
	r.pumpLoadsLocked()
	r.updateGaugesLocked()
	r.mu.Unlock()

	metrics.SegmentLoadsTotal.WithLabelValues("ok").Inc()
	if r.deps.OnLogLoaded != nil {
		r.deps.OnLogLoaded(e.index, events)
	}
}

// SetSegmentCacheLimit changes how many segments may be resident, with a floor of
// MinSegmentsCache. Shrinking evicts the segments farthest from the current one.
func (r *Replay) SetSegmentCacheLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheLimit = max(n, MinSegmentsCache)
	if r.catalog != nil {
		r.setWindowCenterLocked(r.center)
	}
}

func (r *Replay) SegmentCacheLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheLimit
}

// Segments returns a snapshot of the window: segment index to load state.
func (r *Replay) Segments() map[int]SegmentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]SegmentState, len(r.window))
	for n, e := range r.window {
		out[n] = e.state
	}
	return out
}

func (r *Replay) updateGaugesLocked() {
	loaded := 0
	for _, e := range r.window {
		if e.state == SegmentLoaded {
			loaded++
		}
	}
	metrics.SegmentsResident.Set(float64(loaded))
	metrics.EventBufferSize.Set(float64(len(r.buffer)))
}

// retryFailedLocked drops failed entries inside the window of center so the next
// re-centre loads them again.
func (r *Replay) retryFailedLocked(center int) {
	lo, hi := r.windowBounds(center)
	for n, e := range r.window {
		if n >= lo && n <= hi && e.state == SegmentFailed {
			r.evictLocked(e)
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
