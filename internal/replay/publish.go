package replay

import (
	"time"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/camera"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/metrics"
	"github.com/technosupport/ts-replay/internal/notify"
)

// pacer maps recorded time onto wall time. It is only touched by the streaming goroutine.
type pacer struct {
	valid   bool
	refMono uint64
	refWall time.Time
	speed   float64
}

func (p *pacer) reset(mono uint64, speed float64) {
	p.valid = true
	p.refMono = mono
	p.refWall = time.Now()
	p.speed = speed
}

// publishEvents hands events to their output paths in order, pacing against the wall
// clock. It stops early on pause, seek, stop or a buffer rebuild (epoch change) and
// returns how many events it consumed. Called without the lock.
func (r *Replay) publishEvents(events []event.Event, epoch uint64) int {
	for i := range events {
		e := events[i]
		if r.stopRequested() {
			return i
		}

		if seg := int32(e.Segment); seg > r.currentSegment.Load() {
			r.mu.Lock()
			if r.epoch != epoch {
				r.mu.Unlock()
				return i
			}
			r.currentSegment.Store(seg)
			r.setWindowCenterLocked(e.Segment)
			r.mu.Unlock()
		}

		if !r.pace(e.MonoTime) {
			return i
		}

		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()
			return i
		}
		r.cursor = event.After(e)
		r.mu.Unlock()
		r.curMonoTime.Store(e.MonoTime)

		if f := r.filter.Load(); f != nil && f.fn(e, f.opaque) {
			metrics.EventsFilteredTotal.Inc()
			continue
		}
		r.publish(e)
	}
	return len(events)
}

func (r *Replay) stopRequested() bool {
	return r.exit.Load() || r.finished.Load() || r.paused.Load() || r.interrupt.Load()
}

// pace sleeps until e is due. The reference point resets on a speed change or when
// playback is more than one second of recorded time away from schedule, which covers
// gaps in the log, resumes and seeks.
func (r *Replay) pace(mono uint64) bool {
	speed := r.Speed()
	p := &r.pacer
	if !p.valid || p.speed != speed {
		p.reset(mono, speed)
		return true
	}

	delta := time.Duration(int64(mono - p.refMono))
	wait := time.Duration(float64(delta)/speed) - time.Since(p.refWall)
	drift := time.Duration(float64(wait) * speed)
	if drift <= -time.Second || drift >= time.Second {
		p.reset(mono, speed)
		return true
	}
	if wait <= 0 {
		return true
	}
	return r.sleep(wait)
}

// sleep waits for d unless playback is interrupted first.
func (r *Replay) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-r.wake:
			if r.stopRequested() {
				return false
			}
		}
	}
}

func (r *Replay) publish(e event.Event) {
	var (
		path = "bus"
		err  error
	)
	switch {
	case event.CameraOf(e.Channel) != event.NoCamera:
		path = "frame"
		if r.deps.Frames == nil {
			return
		}
		err = r.deps.Frames.PushFrame(r.ctx, camera.Frame{
			Camera: event.CameraOf(e.Channel), MonoTime: e.MonoTime, Segment: e.Segment, Data: e.Payload,
		})
	case r.deps.State != nil:
		path = "state"
		err = r.deps.State.Record(r.ctx, bus.Message{Channel: e.Channel, MonoTime: e.MonoTime, Data: e.Payload})
	default:
		err = r.deps.Publisher.Publish(r.ctx, bus.Message{Channel: e.Channel, MonoTime: e.MonoTime, Data: e.Payload})
	}

	if err != nil {
		if r.exit.Load() {
			return
		}
		metrics.PublishErrorsTotal.WithLabelValues(path).Inc()
		if !r.publishFailing {
			r.publishFailing = true
			r.hub.Emit(notify.Notification{Kind: notify.PublishFailed, Seconds: r.CurrentSeconds(), Err: err})
		}
		return
	}
	r.publishFailing = false
	metrics.EventsPublishedTotal.WithLabelValues(path).Inc()
}

func (r *Replay) wakeStream() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
