package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
	"github.com/technosupport/ts-replay/internal/timeline"
)

func TestReplay_PlaysRouteToCompletion(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), nil)
	r := f.r

	assert.Equal(t, 0.0, r.MinSeconds())
	assert.Equal(t, 180.0, r.MaxSeconds())
	assert.Equal(t, StateIdle, r.State())

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	assert.InDelta(t, 180, r.MaxSeconds(), 1)
	assert.InDelta(t, 178, r.CurrentSeconds(), 0.001)
	assert.Equal(t, 90, f.published.len())
	// notifications reach the observer on its own goroutine, possibly after the state flips
	require.Eventually(t, func() bool { return f.notes.has(notify.StreamStarted, nil) }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.notes.has(notify.StreamFinished, nil) }, waitFor, 5*time.Millisecond)
}

func TestReplay_OrderingUnderOutOfOrderLoads(t *testing.T) {
	segs := map[int][]event.Event{}
	for n := 0; n < 4; n++ {
		segs[n] = segmentEvents(n, 2, "carState", "controlsState")
	}
	gates := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{}), 3: make(chan struct{})}
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}, LoadWorkers: 3}, segs, func(l *fakeLoader, _ *Deps) {
		l.gates = gates
	})

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool { return f.published.len() == len(segs[0]) }, waitFor, 5*time.Millisecond)

	for _, n := range []int{3, 2, 1} {
		close(gates[n])
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	msgs := f.published.snapshot()
	require.Len(t, msgs, 120)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].MonoTime, msgs[i].MonoTime)
	}
}

func TestReplay_WindowBoundAndCurrentSegment(t *testing.T) {
	segs := map[int][]event.Event{}
	for n := 0; n < 12; n++ {
		segs[n] = segmentEvents(n, 4)
	}

	var (
		r          *Replay
		violations atomic.Int32
		checks     atomic.Int32
	)
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}, SegmentCacheLimit: 2}, segs, func(_ *fakeLoader, d *Deps) {
		d.OnLogLoaded = func(int, []event.Event) {
			if r == nil {
				return
			}
			checks.Add(1)
			r.mu.Lock()
			defer r.mu.Unlock()
			loaded := 0
			for _, e := range r.window {
				if e.state == SegmentLoaded {
					loaded++
				}
			}
			if loaded > r.cacheLimit || len(r.window) > r.cacheLimit {
				violations.Add(1)
			}
			if _, ok := r.window[r.CurrentSegment()]; !ok {
				violations.Add(1)
			}
		}
	})
	r = f.r

	assert.Equal(t, MinSegmentsCache, r.SegmentCacheLimit())
	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	assert.Greater(t, checks.Load(), int32(5))
	assert.Zero(t, violations.Load())
	assert.Equal(t, 12*15, f.published.len())
}

func TestReplay_ShrinkingCacheKeepsCurrentSegment(t *testing.T) {
	segs := map[int][]event.Event{}
	for n := 0; n < 10; n++ {
		segs[n] = segmentEvents(n, 4)
	}
	f := newFixture(t, Options{SegmentCacheLimit: 8}, segs, nil)
	r := f.r

	r.Pause(true)
	require.NoError(t, r.Start(0))
	r.SeekTo(250, false)
	// window [3, 9]: the catalog ends before center+limit-2
	require.Eventually(t, func() bool { return len(r.Segments()) == 7 }, waitFor, 5*time.Millisecond)

	r.SetSegmentCacheLimit(1)
	assert.Equal(t, MinSegmentsCache, r.SegmentCacheLimit())

	window := r.Segments()
	assert.Len(t, window, 5)
	assert.Contains(t, window, 4)
	for n := range window {
		assert.GreaterOrEqual(t, n, 3)
		assert.LessOrEqual(t, n, 7)
	}
}

func TestReplay_MergeIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, threeSegments(), nil)
	r := f.r

	r.mu.Lock()
	defer r.mu.Unlock()
	base := len(r.buffer)
	require.Equal(t, 30, base)

	r.window[1] = &segmentEntry{index: 1, state: SegmentLoaded, events: segmentEvents(1, 2)}
	r.mergeSegmentsLocked()
	assert.Len(t, r.buffer, 60)

	r.mergeSegmentsLocked()
	assert.Len(t, r.buffer, 60)

	// a reload of an already merged segment is not inserted again
	r.window[1] = &segmentEntry{index: 1, state: SegmentLoaded, events: segmentEvents(1, 2)}
	r.mergeSegmentsLocked()
	assert.Len(t, r.buffer, 60)
	for i := 1; i < len(r.buffer); i++ {
		assert.True(t, event.Less(r.buffer[i-1], r.buffer[i]))
	}
}

func TestReplay_SeekWhilePaused(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), nil)
	r := f.r

	r.Pause(true)
	require.NoError(t, r.Start(0))
	r.SeekTo(90, false)

	require.Eventually(t, func() bool {
		return f.notes.has(notify.SeekedTo, func(n notify.Notification) bool { return n.Seconds == 90 })
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 90.0, r.CurrentSeconds())
	assert.True(t, r.IsPaused(), "seeking keeps the paused state")
	assert.Equal(t, 1, r.CurrentSegment())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.published.len(), "nothing is published while paused")

	r.SeekTo(-30, true)
	assert.Equal(t, 60.0, r.CurrentSeconds())
	r.SeekTo(-1000, false)
	assert.Equal(t, r.MinSeconds(), r.CurrentSeconds(), "clamped to the route start")

	r.SeekTo(90, false)
	r.Pause(false)
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	msgs := f.published.snapshot()
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint64(90e9), msgs[0].MonoTime)
	assert.Len(t, msgs, 45)
}

func TestReplay_SeekBackDoesNotReplayOlderEvents(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), nil)
	r := f.r

	var paused atomic.Bool
	r.InstallEventFilter(func(e event.Event, _ any) bool {
		if e.MonoTime == 100e9 && paused.CompareAndSwap(false, true) {
			r.Pause(true)
		}
		return false
	}, nil)

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return paused.Load() && r.State() == StatePaused }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	before := f.published.len()
	assert.Equal(t, 51, before)

	r.SeekTo(50, false)
	r.Pause(false)
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	after := f.published.snapshot()[before:]
	require.NotEmpty(t, after)
	for _, m := range after {
		assert.GreaterOrEqual(t, m.MonoTime, uint64(50e9))
	}
	assert.Len(t, after, 65)
}

func TestReplay_PauseResumesFromExactPosition(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), nil)
	r := f.r

	var once atomic.Bool
	r.InstallEventFilter(func(e event.Event, _ any) bool {
		if e.MonoTime == 40e9 && once.CompareAndSwap(false, true) {
			r.Pause(true)
		}
		return false
	}, "ctx")

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return r.State() == StatePaused }, waitFor, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 21, f.published.len(), "no events while paused")

	r.Pause(false)
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	msgs := f.published.snapshot()
	require.Len(t, msgs, 90)
	assert.Equal(t, uint64(40e9), msgs[20].MonoTime)
	assert.Equal(t, uint64(42e9), msgs[21].MonoTime)
}

func TestReplay_FilterContract(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2, "X", "Y")}
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, segs, nil)
	r := f.r

	var seenOpaque atomic.Value
	r.InstallEventFilter(func(e event.Event, opaque any) bool {
		seenOpaque.Store(opaque)
		return e.Channel == "X"
	}, "opaque-ctx")

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	msgs := f.published.snapshot()
	assert.Len(t, msgs, 15)
	for _, m := range msgs {
		assert.Equal(t, "Y", m.Channel)
	}
	assert.Equal(t, "opaque-ctx", seenOpaque.Load())
}

func TestReplay_AllowAndBlockLists(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2, "a", "b", "c")}

	count := func(opts Options) map[string]int {
		f := newFixture(t, opts, segs, nil)
		require.NoError(t, f.r.Start(0))
		require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)
		out := map[string]int{}
		for _, m := range f.published.snapshot() {
			out[m.Channel]++
		}
		return out
	}

	got := count(Options{Allow: []string{"a", "b"}, Block: []string{"b"}, Flags: Flags{NoLoop: true}})
	assert.Equal(t, map[string]int{"a": 10}, got)

	got = count(Options{Allow: []string{"a"}, Block: []string{"c"}, Flags: Flags{NoLoop: true, AllChannels: true}})
	assert.Equal(t, map[string]int{"a": 10, "b": 10}, got)
}

func TestReplay_SeekToFlagNextAlert(t *testing.T) {
	var evs []event.Event
	for at := 0.0; at < 60; at++ {
		evs = append(evs, selfdriveState(t, at, at >= 45 && at < 50))
	}
	f := newFixture(t, Options{}, map[int][]event.Event{0: evs}, nil)
	r := f.r

	entries := r.Timeline()
	require.Len(t, entries, 1)
	alert, ok := r.FindAlertAtTime(47)
	require.True(t, ok)
	assert.Equal(t, "Take Control", alert.Text)

	r.Pause(true)
	require.NoError(t, r.Start(0))
	require.True(t, r.SeekToFlag(timeline.NextAlert))

	at45 := func(n notify.Notification) bool { return n.Seconds == 45 }
	require.Eventually(t, func() bool { return f.notes.has(notify.SeekedTo, at45) }, waitFor, 5*time.Millisecond)
	assert.True(t, f.notes.has(notify.Seeking, at45))
	assert.Equal(t, 45.0, r.CurrentSeconds())

	var seeking, seeked int
	for i, n := range f.notes.all() {
		if n.Seconds != 45 {
			continue
		}
		switch n.Kind {
		case notify.Seeking:
			seeking = i
		case notify.SeekedTo:
			seeked = i
		}
	}
	assert.Less(t, seeking, seeked)

	assert.False(t, r.SeekToFlag(timeline.NextAlert), "no alert after 45")
	assert.Equal(t, 45.0, r.CurrentSeconds())
}

func TestReplay_FailedLookaheadSegmentHaltsAtBoundary(t *testing.T) {
	segs := map[int][]event.Event{
		1: segmentEvents(1, 2),
		2: segmentEvents(2, 2),
		3: segmentEvents(3, 2),
	}
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, segs, func(l *fakeLoader, _ *Deps) {
		l.fail[2] = errors.New("corrupt log")
	})
	r := f.r
	assert.Equal(t, 60.0, r.MinSeconds())

	require.NoError(t, r.Start(0))
	fatal := func(n notify.Notification) bool { return n.Segment == 2 && n.Fatal }
	require.Eventually(t, func() bool { return f.notes.has(notify.SegmentLoadFailed, fatal) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateHalted, r.State())

	msgs := f.published.snapshot()
	assert.Len(t, msgs, 30, "segment 1 plays in full")
	for _, m := range msgs {
		assert.Less(t, m.MonoTime, uint64(120e9))
	}

	for _, n := range f.notes.all() {
		if n.Kind != notify.SegmentLoadFailed {
			continue
		}
		assert.Equal(t, 2, n.Segment)
		var lerr *SegmentLoadError
		assert.True(t, errors.As(n.Err, &lerr))
		assert.False(t, errors.Is(n.Err, route.ErrRouteResolution))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.published.snapshot(), 30, "segment 3 is not played past the failure")
}

func TestReplay_SeekIntoFailedSegmentIsFatal(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), func(l *fakeLoader, _ *Deps) {
		l.fail[2] = errors.New("corrupt log")
	})
	r := f.r

	r.Pause(true)
	require.NoError(t, r.Start(0))
	lookahead := func(n notify.Notification) bool { return n.Segment == 2 && !n.Fatal }
	require.Eventually(t, func() bool { return f.notes.has(notify.SegmentLoadFailed, lookahead) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, SegmentFailed, r.Segments()[2])
	assert.Equal(t, StatePaused, r.State(), "a failed lookahead segment does not halt")

	// the seek retries segment 2, which is now current
	r.SeekTo(130, false)
	fatal := func(n notify.Notification) bool { return n.Segment == 2 && n.Fatal }
	require.Eventually(t, func() bool { return f.notes.has(notify.SegmentLoadFailed, fatal) }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.loader.callCount(2), 2)
	assert.Equal(t, StateHalted, r.State())
	assert.Equal(t, 2, r.CurrentSegment())

	r.Pause(false)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.published.len())
	assert.Equal(t, StateHalted, r.State())

	fatals := 0
	for _, n := range f.notes.all() {
		if n.Kind == notify.SegmentLoadFailed && n.Fatal {
			fatals++
			var lerr *SegmentLoadError
			require.ErrorAs(t, n.Err, &lerr)
			assert.True(t, lerr.Fatal)
		}
	}
	assert.Equal(t, 1, fatals, "the halt is reported once")
}

func TestReplay_StopCancelsInFlightLoads(t *testing.T) {
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), func(l *fakeLoader, _ *Deps) {
		// never released
		l.gates[1] = make(chan struct{})
		l.gates[2] = make(chan struct{})
	})
	r := f.r

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool {
		return f.published.len() == 30 && f.loader.callCount(1) == 1
	}, waitFor, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight segment load")
	}

	assert.Equal(t, StateStopped, r.State())
	// the cancelled load came back after exit and was dropped
	assert.Equal(t, SegmentLoading, r.Segments()[1])
	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.notes.has(notify.SegmentLoadFailed, nil))
	assert.Equal(t, 30, f.published.len())
}

func TestReplay_SkipFailedSegments(t *testing.T) {
	segs := map[int][]event.Event{
		1: segmentEvents(1, 2),
		2: segmentEvents(2, 2),
		3: segmentEvents(3, 2),
	}
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}, SkipFailedSegments: true}, segs, func(l *fakeLoader, _ *Deps) {
		l.fail[2] = errors.New("corrupt log")
	})

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)
	assert.Len(t, f.published.snapshot(), 60)
	assert.False(t, f.notes.has(notify.SegmentLoadFailed, func(n notify.Notification) bool { return n.Fatal }))
}

func TestReplay_StallNotification(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2), 1: segmentEvents(1, 2)}
	gate := make(chan struct{})
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}, StallTimeout: 30 * time.Millisecond}, segs, func(l *fakeLoader, _ *Deps) {
		l.gates[1] = gate
	})

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool {
		return f.notes.has(notify.StreamStalled, func(n notify.Notification) bool { return n.Segment == 1 })
	}, waitFor, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)
	assert.Len(t, f.published.snapshot(), 60)
}

func TestReplay_SeekPastEnd(t *testing.T) {
	t.Run("no loop stops", func(t *testing.T) {
		f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, threeSegments(), nil)
		f.r.Pause(true)
		require.NoError(t, f.r.Start(0))
		f.r.SeekTo(500, false)
		assert.Equal(t, StateStopped, f.r.State())
		assert.Eventually(t, func() bool { return f.notes.has(notify.StreamFinished, nil) }, waitFor, 5*time.Millisecond)
	})

	t.Run("loop wraps", func(t *testing.T) {
		f := newFixture(t, Options{}, threeSegments(), nil)
		f.r.Pause(true)
		require.NoError(t, f.r.Start(0))
		f.r.SeekTo(100, false)
		f.r.SeekTo(500, false)
		assert.Equal(t, 0.0, f.r.CurrentSeconds())
		assert.Equal(t, StatePaused, stateAfterSeek(t, f.r))
	})
}

func stateAfterSeek(t *testing.T, r *Replay) State {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() != StateSeeking }, waitFor, 5*time.Millisecond)
	return r.State()
}

func TestReplay_LoopWrapsAtEnd(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2)}
	f := newFixture(t, Options{}, segs, nil)
	require.True(t, f.r.Loop())

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool { return f.published.len() > 60 }, waitFor, 5*time.Millisecond)
	f.r.Stop()
	assert.Equal(t, StateStopped, f.r.State())
}

func TestReplay_RouteErrors(t *testing.T) {
	r := New(Options{Route: testRoute}, Deps{
		Source: fakeSource{err: &route.RouteError{Kind: route.RouteNotFound, Route: testRoute}},
		Loader: newFakeLoader(),
	})
	defer r.Close()

	err := r.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, route.ErrRouteResolution)
	assert.Equal(t, StateIdle, r.State())
	assert.ErrorIs(t, r.Start(0), ErrNotLoaded)

	r2 := New(Options{Route: "bogus"}, Deps{Source: fakeSource{}, Loader: newFakeLoader()})
	defer r2.Close()
	var re *route.RouteError
	require.ErrorAs(t, r2.Load(context.Background()), &re)
	assert.Equal(t, route.InvalidIdentifier, re.Kind)

	r3 := New(Options{Route: testRoute}, Deps{Source: fakeSource{err: errors.New("db down")}, Loader: newFakeLoader()})
	defer r3.Close()
	require.ErrorAs(t, r3.Load(context.Background()), &re)
	assert.Equal(t, route.MalformedCatalog, re.Kind)
}

func TestReplay_FirstSegmentFailureFailsLoad(t *testing.T) {
	loader := newFakeLoader()
	loader.fail[0] = errors.New("missing")
	r := New(Options{Route: testRoute}, Deps{Source: fakeSource{segments: []int{0, 1}}, Loader: loader})
	defer r.Close()

	err := r.Load(context.Background())
	var lerr *SegmentLoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 0, lerr.Segment)
	assert.False(t, errors.Is(err, route.ErrRouteResolution))
}

func TestReplay_SpeedAndCacheLimit(t *testing.T) {
	f := newFixture(t, Options{}, threeSegments(), nil)
	r := f.r

	assert.Equal(t, 1.0, r.Speed())
	assert.ErrorIs(t, r.SetSpeed(0), ErrInvalidSpeed)
	assert.ErrorIs(t, r.SetSpeed(-2), ErrInvalidSpeed)
	require.NoError(t, r.SetSpeed(100))
	assert.Equal(t, MaxSpeed, r.Speed())
	require.NoError(t, r.SetSpeed(0.01))
	assert.Equal(t, MinSpeed, r.Speed())
	require.NoError(t, r.SetSpeed(2))
	assert.Equal(t, 2.0, r.Speed())

	r.SetSegmentCacheLimit(3)
	assert.Equal(t, MinSegmentsCache, r.SegmentCacheLimit())
	r.SetSegmentCacheLimit(9)
	assert.Equal(t, 9, r.SegmentCacheLimit())
}

func TestReplay_QueriesAfterLoad(t *testing.T) {
	seg0 := segmentEvents(0, 2)
	seg0[0].Channel = "carParams"
	seg0[0].Payload = []byte(`{"carFingerprint":"TOYOTA_PRIUS"}`)

	var loaded atomic.Int32
	f := newFixture(t, Options{}, map[int][]event.Event{0: seg0, 1: segmentEvents(1, 2)}, func(_ *fakeLoader, d *Deps) {
		d.OnLogLoaded = func(int, []event.Event) { loaded.Add(1) }
	})
	r := f.r

	assert.Equal(t, "TOYOTA_PRIUS", r.CarFingerprint())
	assert.Equal(t, uint64(0), r.RouteStartNanos())
	assert.Equal(t, 2023, r.RouteDateTime().Year())
	assert.Equal(t, int32(1), loaded.Load())
	assert.Equal(t, map[int]SegmentState{0: SegmentLoaded}, r.Segments())
	assert.NotEmpty(t, r.Session())
	assert.Eventually(t, func() bool {
		return f.notes.has(notify.MinMaxTimeChanged, func(n notify.Notification) bool { return n.MaxSec == 120 })
	}, waitFor, 5*time.Millisecond)

	st := r.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "TOYOTA_PRIUS", st.CarFingerprint)
	assert.Equal(t, 120.0, st.MaxSeconds)
	assert.Equal(t, MinSegmentsCache, st.CacheLimit)
	assert.Equal(t, 1.0, st.Speed)
}

func TestReplay_LiveSegmentRaisesMaxSeconds(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2), 1: segmentEvents(1, 2)}
	f := newFixture(t, Options{Live: true}, segs, nil)
	r := f.r
	assert.Equal(t, 120.0, r.MaxSeconds())

	f.loader.mu.Lock()
	f.loader.segs[2] = segmentEvents(2, 2)
	f.loader.mu.Unlock()

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return f.published.len() == 60 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatePlaying, r.State(), "live routes wait at the end")

	r.AddSegment(2, segment.Files{RLog: "seg2/rlog"})
	assert.Equal(t, 180.0, r.MaxSeconds())
	require.Eventually(t, func() bool { return f.published.len() == 90 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.notes.has(notify.RouteUpdated, func(n notify.Notification) bool { return n.Segment == 2 })
	}, waitFor, 5*time.Millisecond)
}

func TestReplay_AddSegmentDuringReload(t *testing.T) {
	segs := map[int][]event.Event{0: segmentEvents(0, 2), 1: segmentEvents(1, 2)}
	f := newFixture(t, Options{Live: true}, segs, nil)
	r := f.r

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			assert.NoError(t, r.Load(context.Background()))
		}
	}()
	for i := 0; i < 50; i++ {
		r.AddSegment(2+i%3, segment.Files{RLog: fmt.Sprintf("seg%d/rlog-%d", 2+i%3, i)})
		_ = r.Status()
	}
	<-done

	assert.Equal(t, testRoute, r.Route())
	require.Eventually(t, func() bool { return f.notes.has(notify.RouteUpdated, nil) }, waitFor, 5*time.Millisecond)
}

func TestReplay_CameraRouting(t *testing.T) {
	evs := segmentEvents(0, 2, "roadEncodeIdx", "driverEncodeIdx", "wideRoadEncodeIdx", "carState")

	run := func(flags Flags) (*frameSink, []bus.Message) {
		sink := &frameSink{}
		flags.NoLoop = true
		f := newFixture(t, Options{Flags: flags}, map[int][]event.Event{0: evs}, func(_ *fakeLoader, d *Deps) {
			d.Frames = sink
		})
		require.NoError(t, f.r.Start(0))
		require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)
		return sink, f.published.snapshot()
	}

	sink, msgs := run(Flags{})
	assert.NotEmpty(t, sink.cameras())
	for _, c := range sink.cameras() {
		assert.Equal(t, event.RoadCamera, c)
	}
	for _, m := range msgs {
		assert.Equal(t, "carState", m.Channel, "frame events never reach the bus")
	}

	sink, _ = run(Flags{DualCamera: true, ExtraCamera: true})
	assert.ElementsMatch(t, []event.Camera{event.RoadCamera, event.DriverCamera, event.WideRoadCamera},
		uniqueCameras(sink.cameras()))

	sink, msgs = run(Flags{NoVideoPipeline: true, DualCamera: true})
	assert.Empty(t, sink.cameras())
	assert.Len(t, msgs, 7)
}

func uniqueCameras(in []event.Camera) []event.Camera {
	seen := map[event.Camera]bool{}
	var out []event.Camera
	for _, c := range in {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func TestReplay_StateRecorderReplacesBus(t *testing.T) {
	state := bus.NewMemoryState()
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, map[int][]event.Event{0: segmentEvents(0, 2, "carState", "gpsLocation")}, func(_ *fakeLoader, d *Deps) {
		d.State = state
	})

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)

	assert.Zero(t, f.published.len())
	last, ok := state.Latest("gpsLocation")
	require.True(t, ok)
	assert.Equal(t, uint64(58e9), last.MonoTime)
}

type failingPublisher struct{ calls atomic.Int32 }

func (p *failingPublisher) Publish(context.Context, bus.Message) error {
	p.calls.Add(1)
	return errors.New("broker unavailable")
}

func TestReplay_PublishFailureNotifiedOncePerStreak(t *testing.T) {
	pub := &failingPublisher{}
	f := newFixture(t, Options{Flags: Flags{NoLoop: true}}, map[int][]event.Event{0: segmentEvents(0, 2)}, func(_ *fakeLoader, d *Deps) {
		d.Publisher = pub
	})

	require.NoError(t, f.r.Start(0))
	require.Eventually(t, func() bool { return f.r.State() == StateStopped }, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(30), pub.calls.Load())

	require.Eventually(t, func() bool { return f.notes.has(notify.StreamFinished, nil) }, waitFor, 5*time.Millisecond)
	failures := 0
	for _, n := range f.notes.all() {
		if n.Kind == notify.PublishFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestReplay_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, threeSegments(), nil)
	require.NoError(t, f.r.Start(0))
	f.r.Stop()
	f.r.Stop()
	f.r.Close()

	assert.Equal(t, StateStopped, f.r.State())
	assert.ErrorIs(t, f.r.Start(0), ErrStopped)
	assert.Empty(t, f.r.Segments())
}
