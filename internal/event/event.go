package event

// Event is one timestamped, channel-tagged record decoded from a segment log.
// Events are never mutated once decoded; the payload slice is shared between the
// owning segment and the merged playback buffer.
type Event struct {
	MonoTime uint64 // nanoseconds, monotonic clock of the recording device
	Channel  string
	Payload  []byte
	Segment  int
	Seq      int // arrival order inside the segment
}

// Less orders events by time, then segment, then arrival order.
func Less(a, b Event) bool {
	if a.MonoTime != b.MonoTime {
		return a.MonoTime < b.MonoTime
	}
	if a.Segment != b.Segment {
		return a.Segment < b.Segment
	}
	return a.Seq < b.Seq
}

// Compare is Less expressed as a three-way comparison for slices.SortStableFunc.
func Compare(a, b Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

// Position is a cursor into the ordered event stream. It sorts between events, so
// it can mark both "just after this event" and "just before time T".
type Position struct {
	MonoTime uint64
	Segment  int
	Seq      int
}

// After returns the position directly after e.
func After(e Event) Position {
	return Position{MonoTime: e.MonoTime, Segment: e.Segment, Seq: e.Seq}
}

// Before returns a position that precedes every event at or after t.
func Before(t uint64) Position {
	return Position{MonoTime: t, Segment: -1, Seq: -1}
}

// Follows reports whether e comes strictly after p.
func (p Position) Follows(e Event) bool {
	if e.MonoTime != p.MonoTime {
		return e.MonoTime > p.MonoTime
	}
	if e.Segment != p.Segment {
		return e.Segment > p.Segment
	}
	return e.Seq > p.Seq
}

// Camera streams carried by frame-index channels.
type Camera int

const (
	NoCamera Camera = iota
	RoadCamera
	DriverCamera
	WideRoadCamera
	QRoadCamera
)

func (c Camera) String() string {
	switch c {
	case RoadCamera:
		return "road"
	case DriverCamera:
		return "driver"
	case WideRoadCamera:
		return "wide_road"
	case QRoadCamera:
		return "qroad"
	default:
		return "none"
	}
}

var cameraChannels = map[string]Camera{
	"roadEncodeIdx":     RoadCamera,
	"driverEncodeIdx":   DriverCamera,
	"wideRoadEncodeIdx": WideRoadCamera,
	"qRoadEncodeIdx":    QRoadCamera,
}

// CameraOf returns the camera stream a channel carries frames for, or NoCamera.
func CameraOf(channel string) Camera {
	return cameraChannels[channel]
}
