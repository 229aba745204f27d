package replay

import (
	"slices"
	"sort"

	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/segment"
)

// mergedSegment remembers the last buffered event of a merged segment so the segment
// can be pruned once playback is past it.
type mergedSegment struct {
	last  event.Event
	empty bool
}

func (r *Replay) mergedLocked(n int) bool {
	_, ok := r.merged[n]
	return ok
}

// keepChannel applies the allow and block lists. Camera channels are kept only for
// enabled cameras, and only when a frame sink exists.
func (r *Replay) keepChannel(ch string) bool {
	if _, blocked := r.block[ch]; blocked {
		return false
	}
	if cam := event.CameraOf(ch); cam != event.NoCamera {
		_, enabled := r.cameras[cam]
		return enabled && r.deps.Frames != nil
	}
	if len(r.allow) == 0 || r.opts.Flags.AllChannels {
		return true
	}
	_, ok := r.allow[ch]
	return ok
}

// mergeSegmentsLocked folds every loaded, not yet merged window segment into the event
// buffer. The buffer is rebuilt into a new slice so the streaming goroutine can keep
// reading the old one without the lock. Merging an already merged segment is a no-op.
func (r *Replay) mergeSegmentsLocked() {
	var fresh []*segmentEntry
	for n, e := range r.window {
		if e.state == SegmentLoaded && !r.mergedLocked(n) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		r.completeSeekLocked()
		return
	}
	slices.SortFunc(fresh, func(a, b *segmentEntry) int { return a.index - b.index })

	var incoming []event.Event
	indices := make([]int, 0, len(fresh))
	maxSec := 0.0
	for _, e := range fresh {
		var kept []event.Event
		for _, ev := range e.events {
			if r.keepChannel(ev.Channel) {
				kept = append(kept, ev)
			}
		}
		ms := mergedSegment{empty: len(kept) == 0}
		if len(kept) > 0 {
			ms.last = kept[len(kept)-1]
		}
		r.merged[e.index] = ms
		indices = append(indices, e.index)
		incoming = append(incoming, kept...)
		if n := len(e.events); n > 0 {
			maxSec = max(maxSec, r.monoToSeconds(e.events[n-1].MonoTime))
		}
	}
	slices.SortStableFunc(incoming, event.Compare)
	r.buffer = mergeSorted(r.buffer, incoming)
	r.updateGaugesLocked()

	raised := r.raiseMaxSecondsLocked(maxSec)
	r.hub.Emit(notify.Notification{Kind: notify.SegmentsMerged, Segments: indices})
	if raised {
		r.hub.Emit(notify.Notification{Kind: notify.MinMaxTimeChanged, MinSec: r.minSecondsLocked(), MaxSec: r.MaxSeconds()})
	}
	r.completeSeekLocked()
	r.wakeStream()
}

// completeSeekLocked reports a pending seek as done once its target segment is merged.
func (r *Replay) completeSeekLocked() {
	if r.seekingTo == nil {
		return
	}
	target := *r.seekingTo
	if !r.mergedLocked(r.segmentForSeconds(target)) {
		return
	}
	r.seekingTo = nil
	r.hub.Emit(notify.Notification{Kind: notify.SeekedTo, Seconds: target})
}

// pruneBufferLocked drops merged segments behind lo whose events have all been published.
func (r *Replay) pruneBufferLocked(lo int) {
	drop := map[int]struct{}{}
	for n, ms := range r.merged {
		if n >= lo {
			continue
		}
		if ms.empty || !r.cursor.Follows(ms.last) {
			drop[n] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return
	}

	kept := make([]event.Event, 0, len(r.buffer))
	for _, ev := range r.buffer {
		if _, ok := drop[ev.Segment]; !ok {
			kept = append(kept, ev)
		}
	}
	for n := range drop {
		delete(r.merged, n)
	}
	r.buffer = kept
}

// rebuildBufferLocked discards the buffer and re-merges what the window holds.
func (r *Replay) rebuildBufferLocked() {
	r.buffer = nil
	r.merged = make(map[int]mergedSegment)
	r.mergeSegmentsLocked()
}

// nextUnmergedLocked returns the first catalog segment at or after from that is not
// merged, or -1 when every remaining segment is in the buffer.
func (r *Replay) nextUnmergedLocked(from int) int {
	for _, n := range r.catalog.Indices() {
		if n >= from && !r.mergedLocked(n) {
			return n
		}
	}
	return -1
}

// segmentForSeconds maps a route time to the catalog segment that covers it.
func (r *Replay) segmentForSeconds(sec float64) int {
	idx := r.catalog.Indices()
	n := int(sec) / segment.Duration
	i := sort.SearchInts(idx, n+1) - 1
	if i < 0 {
		return idx[0]
	}
	return idx[i]
}

func mergeSorted(a, b []event.Event) []event.Event {
	out := make([]event.Event, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if event.Less(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
