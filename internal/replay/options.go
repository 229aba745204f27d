package replay

import (
	"context"
	"time"

	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/camera"
	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
)

const (
	// MinSegmentsCache is the floor of the segment cache limit.
	MinSegmentsCache = 5

	MinSpeed = 0.1
	MaxSpeed = 20.0

	defaultLoadWorkers = 2
)

// Flags are the engine switches. Each field has exactly the documented effect.
type Flags struct {
	DualCamera      bool // also publish driver camera frames
	ExtraCamera     bool // also publish wide road camera frames
	NoLoop          bool // stop at the end of the route instead of wrapping to the start
	NoFileCache     bool // do not use the on-disk cache for remote segment logs
	QCamera         bool // road frames come from the low resolution qRoadEncodeIdx stream
	NoHWDecoder     bool // frame sink decodes in software
	NoVideoPipeline bool // no frame sink; camera events are not published
	AllChannels     bool // ignore the allow list; the block list still applies
}

// Cameras returns the camera streams enabled by the flags.
func (f Flags) Cameras() []event.Camera {
	if f.NoVideoPipeline {
		return nil
	}
	road := event.RoadCamera
	if f.QCamera {
		road = event.QRoadCamera
	}
	out := []event.Camera{road}
	if f.DualCamera {
		out = append(out, event.DriverCamera)
	}
	if f.ExtraCamera {
		out = append(out, event.WideRoadCamera)
	}
	return out
}

type Options struct {
	Route   string
	Session string // defaults to a random id

	Allow []string // when non-empty only these channels are considered
	Block []string // always excluded
	Flags Flags

	DataDir            string // local route root used when Deps.Source is nil
	SegmentCacheLimit  int
	LoadWorkers        int
	StallTimeout       time.Duration // 0 disables stall notifications
	SkipFailedSegments bool
	Live               bool // wait for new segments at the end of the route
}

// SegmentLoader turns one segment's log files into ordered events.
type SegmentLoader interface {
	Load(ctx context.Context, index int, files segment.Files) ([]event.Event, error)
}

type Deps struct {
	Source    route.Source
	Loader    SegmentLoader
	Publisher bus.Publisher
	State     bus.StateRecorder // when set, messages go here instead of Publisher
	Frames    camera.Sink

	// OnLogLoaded is called after each segment decodes, outside the playback lock.
	OnLogLoaded func(index int, events []event.Event)
}

// EventFilter is called inline on the streaming goroutine for every event about to be
// published; returning true drops the event. It must be fast, must not block and must
// not modify the event.
type EventFilter func(e event.Event, opaque any) bool

type installedFilter struct {
	fn     EventFilter
	opaque any
}

func clampSpeed(s float64) float64 {
	return min(max(s, MinSpeed), MaxSpeed)
}
