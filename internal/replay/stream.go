package replay

import (
	"log"
	"sort"
	"time"

	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/metrics"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/segment"
	"github.com/technosupport/ts-replay/internal/timeline"
)

// idleWait bounds every wait of the streaming goroutine so flags are re-checked even
// if a wake-up is missed.
const idleWait = 100 * time.Millisecond

// Start seeks to seconds and starts the streaming goroutine. Calling it again while
// playing only seeks.
func (r *Replay) Start(seconds float64) error {
	if r.exit.Load() {
		return ErrStopped
	}
	r.mu.Lock()
	if r.catalog == nil {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	if r.started && r.finished.Load() {
		// let the previous stream observe the finish before restarting
		old := r.streamDone
		r.mu.Unlock()
		<-old
		r.mu.Lock()
	}
	running := r.started && !r.finished.Load()
	if !running {
		r.started = true
		r.finished.Store(false)
		r.streamDone = make(chan struct{})
	}
	r.mu.Unlock()

	r.seek(seconds)
	if !running {
		r.hub.Emit(notify.Notification{Kind: notify.StreamStarted, Seconds: r.CurrentSeconds()})
		go r.stream()
	}
	return nil
}

// Stop ends playback, cancels in-flight loads and waits for the streaming goroutine.
// It is safe to call more than once.
func (r *Replay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.exit.Store(true)
		r.loadQueue = nil
		done := r.streamDone
		r.mu.Unlock()

		r.cancel()
		r.wakeStream()
		if done != nil {
			<-done
		}
		r.loadWG.Wait()
		log.Printf("[INFO] Replay: session %s stopped", r.opts.Session)
	})
}

// Pause stops publishing before the next event; resuming continues from the same event.
func (r *Replay) Pause(pause bool) {
	r.paused.Store(pause)
	r.wakeStream()
}

// SeekTo moves playback to seconds (from route start, or from the current position when
// relative). Targets below MinSeconds clamp; targets past MaxSeconds wrap to the start
// when looping and end the stream otherwise. The paused state is left as it is.
func (r *Replay) SeekTo(seconds float64, relative bool) {
	if relative {
		seconds += r.CurrentSeconds()
		metrics.SeeksTotal.WithLabelValues("relative").Inc()
	} else {
		metrics.SeeksTotal.WithLabelValues("absolute").Inc()
	}
	r.seek(seconds)
}

// SeekToFlag jumps to the next timeline entry matching flag. It reports false, and does
// nothing, when there is no such entry ahead.
func (r *Replay) SeekToFlag(flag timeline.FindFlag) bool {
	target, ok := r.timeline.Find(flag, r.CurrentSeconds())
	if !ok {
		return false
	}
	metrics.SeeksTotal.WithLabelValues("flag").Inc()
	r.seek(target)
	return true
}

func (r *Replay) seek(seconds float64) {
	r.mu.Lock()
	if r.catalog == nil || r.exit.Load() {
		r.mu.Unlock()
		return
	}

	minSec, maxSec := r.minSecondsLocked(), r.MaxSeconds()
	if seconds < minSec {
		seconds = minSec
	}
	if seconds > maxSec {
		if !r.loop.Load() {
			r.finishLocked()
			r.mu.Unlock()
			r.hub.Emit(notify.Notification{Kind: notify.StreamFinished, Seconds: r.CurrentSeconds()})
			r.wakeStream()
			return
		}
		seconds = minSec
	}

	target := r.secondsToMono(seconds)
	seg := r.segmentForSeconds(seconds)

	r.epoch++
	r.interrupt.Store(true)
	r.halted = false
	r.cursor = event.Before(target)
	r.curMonoTime.Store(target)
	r.seekingTo = &seconds
	r.currentSegment.Store(int32(seg))
	r.hub.Emit(notify.Notification{Kind: notify.Seeking, Seconds: seconds})

	r.retryFailedLocked(seg)
	r.setWindowCenterLocked(seg)
	r.rebuildBufferLocked()
	r.mu.Unlock()

	r.wakeStream()
}

// finishLocked ends the stream without tearing the engine down.
func (r *Replay) finishLocked() {
	r.finished.Store(true)
	r.seekingTo = nil
	r.halted = false
}

// stream is the streaming goroutine.
func (r *Replay) stream() {
	r.mu.Lock()
	done := r.streamDone
	r.mu.Unlock()
	defer close(done)

	var (
		waitingSince  time.Time
		stallReported bool
	)
	progressed := func() {
		waitingSince = time.Time{}
		stallReported = false
	}

	for !r.exit.Load() && !r.finished.Load() {
		if r.paused.Load() {
			r.waitWake(idleWait)
			r.pacer.valid = false
			progressed()
			continue
		}

		r.mu.Lock()
		r.interrupt.Store(false)
		epoch := r.epoch
		buf := r.buffer
		cursor := r.cursor
		cur := r.CurrentSegment()
		need := r.nextUnmergedLocked(cur)

		i := sort.Search(len(buf), func(k int) bool { return cursor.Follows(buf[k]) })
		j := len(buf)
		if need >= 0 {
			limit := r.routeStart + uint64(need)*nanosPerSegment
			j = i + sort.Search(len(buf)-i, func(k int) bool { return buf[i+k].MonoTime >= limit })
		}

		if i < j && !r.halted {
			r.mu.Unlock()
			n := r.publishEvents(buf[i:j], epoch)
			if n > 0 {
				progressed()
			}
			continue
		}

		action := r.blockedLocked(need, i == len(buf))
		r.mu.Unlock()

		switch action {
		case actionFinish:
			log.Printf("[INFO] Replay: reached end of route %s", r.Route())
			r.hub.Emit(notify.Notification{Kind: notify.StreamFinished, Seconds: r.CurrentSeconds()})
			return
		case actionWrap:
			r.seek(r.MinSeconds())
			continue
		case actionSkip:
			continue
		}

		if waitingSince.IsZero() {
			waitingSince = time.Now()
		}
		if st := r.opts.StallTimeout; st > 0 && !stallReported && action == actionWait && need >= 0 && time.Since(waitingSince) > st {
			stallReported = true
			log.Printf("[WARN] Replay: waiting for segment %d for %s", need, time.Since(waitingSince).Round(time.Millisecond))
			r.hub.Emit(notify.Notification{Kind: notify.StreamStalled, Segment: need, Seconds: r.CurrentSeconds()})
		}
		r.waitWake(idleWait)
	}
}

type blockedAction int

const (
	actionWait blockedAction = iota
	actionHalt
	actionFinish
	actionWrap
	actionSkip
)

// blockedLocked decides what the streaming goroutine does when nothing is publishable.
// need is the next segment missing from the buffer (-1 when none) and drained reports
// that every buffered event has been published.
func (r *Replay) blockedLocked(need int, drained bool) blockedAction {
	if r.halted {
		return actionHalt
	}
	if need < 0 {
		if !drained {
			return actionWait
		}
		if r.opts.Live {
			return actionWait
		}
		if r.loop.Load() {
			return actionWrap
		}
		r.finishLocked()
		return actionFinish
	}

	e, ok := r.window[need]
	if !ok {
		// the next segment lies past a gap in the catalog
		r.currentSegment.Store(int32(need))
		r.setWindowCenterLocked(need)
		return actionWait
	}
	if e.state != SegmentFailed {
		return actionWait
	}

	if r.opts.SkipFailedSegments {
		if next := r.nextLoadableLocked(need); next >= 0 {
			log.Printf("[WARN] Replay: skipping failed segment %d", need)
			r.skipToLocked(next)
			return actionSkip
		}
		if r.loop.Load() {
			return actionWrap
		}
		r.finishLocked()
		return actionFinish
	}

	r.halted = true
	if !e.fatalReported {
		e.fatalReported = true
		err := &SegmentLoadError{Segment: need, Fatal: true, Err: e.err}
		log.Printf("[ERROR] Replay: playback halted at segment %d: %v", need, e.err)
		r.hub.Emit(notify.Notification{Kind: notify.SegmentLoadFailed, Segment: need, Fatal: true, Err: err})
	}
	return actionHalt
}

// nextLoadableLocked returns the first catalog segment after n whose window entry has
// not failed, or -1.
func (r *Replay) nextLoadableLocked(n int) int {
	for _, idx := range r.catalog.Indices() {
		if idx <= n {
			continue
		}
		if e, ok := r.window[idx]; ok && e.state == SegmentFailed {
			continue
		}
		return idx
	}
	return -1
}

// skipToLocked moves playback to the start of segment n without emitting seek
// notifications; the stream keeps its position semantics.
func (r *Replay) skipToLocked(n int) {
	target := r.secondsToMono(float64(n * segment.Duration))
	r.epoch++
	r.cursor = event.Before(target)
	r.curMonoTime.Store(target)
	r.currentSegment.Store(int32(n))
	r.setWindowCenterLocked(n)
	r.rebuildBufferLocked()
}

func (r *Replay) waitWake(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.wake:
	case <-timer.C:
	}
}
