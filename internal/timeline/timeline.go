package timeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/technosupport/ts-replay/internal/event"
)

// Marker channels recognised by the timeline.
const (
	ChannelSelfdriveState = "selfdriveState"
	ChannelUserFlag       = "userFlag"
)

type EntryType int

const (
	Engaged EntryType = iota
	AlertInfo
	AlertWarning
	AlertCritical
	UserFlag
)

func (t EntryType) String() string {
	switch t {
	case Engaged:
		return "engaged"
	case AlertInfo:
		return "alert_info"
	case AlertWarning:
		return "alert_warning"
	case AlertCritical:
		return "alert_critical"
	case UserFlag:
		return "user_flag"
	default:
		return "unknown"
	}
}

func (t EntryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EntryType) UnmarshalText(b []byte) error {
	for _, v := range []EntryType{Engaged, AlertInfo, AlertWarning, AlertCritical, UserFlag} {
		if v.String() == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("unknown timeline entry type %q", b)
}

// IsAlert reports whether the type is one of the alert severities.
func (t EntryType) IsAlert() bool {
	return t == AlertInfo || t == AlertWarning || t == AlertCritical
}

// Entry is a closed time range on the route, in seconds from route start.
type Entry struct {
	Start float64   `json:"start"`
	End   float64   `json:"end"`
	Type  EntryType `json:"type"`
	Text  string    `json:"text,omitempty"`
}

// selfdriveState is the subset of the selfdriveState payload the timeline reads.
type selfdriveState struct {
	Enabled     bool   `json:"enabled"`
	AlertStatus string `json:"alertStatus"`
	AlertSize   string `json:"alertSize"`
	AlertText1  string `json:"alertText1"`
}

type userFlag struct {
	Text string `json:"text"`
}

// span is an entry as seen from inside a single segment. openStart/openEnd mark spans
// that were already active at the segment's first sample or still active at its last,
// so they can be stitched with the neighbouring segment.
type span struct {
	Entry
	openStart bool
	openEnd   bool
}

// Timeline indexes notable entries of a route. Segments may be ingested in any order;
// each ingest republishes an immutable snapshot, so readers never take the lock.
type Timeline struct {
	mu         sync.Mutex
	startNanos uint64
	segments   map[int][]span

	entries atomic.Pointer[[]Entry]
	alerts  atomic.Pointer[[]Entry]
}

func New(routeStartNanos uint64) *Timeline {
	t := &Timeline{}
	t.Reset(routeStartNanos)
	return t
}

// Reset drops all entries and rebases the timeline on a new route start.
func (t *Timeline) Reset(routeStartNanos uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startNanos = routeStartNanos
	t.segments = make(map[int][]span)
	empty := []Entry{}
	t.entries.Store(&empty)
	t.alerts.Store(&empty)
}

// Ingest records the marker spans of one segment. Re-ingesting a segment replaces its
// previous spans.
func (t *Timeline) Ingest(segment int, events []event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.segments[segment] = t.buildSpans(events)
	t.rebuild()
}

// Entries returns the full ordered snapshot. The slice is shared and must not be modified.
func (t *Timeline) Entries() []Entry {
	return *t.entries.Load()
}

// FindAlertAtTime returns the alert whose [Start, End) contains sec.
func (t *Timeline) FindAlertAtTime(sec float64) (Entry, bool) {
	alerts := *t.alerts.Load()
	i := sort.Search(len(alerts), func(i int) bool { return alerts[i].Start > sec })
	// alerts never overlap, so the closest earlier start decides
	if i > 0 && alerts[i-1].End > sec {
		return alerts[i-1], true
	}
	return Entry{}, false
}

func (t *Timeline) buildSpans(events []event.Event) []span {
	var (
		spans    []span
		engaged  *span
		alert    *span
		lastSeen float64
		first    = true
	)

	for _, e := range events {
		switch e.Channel {
		case ChannelSelfdriveState:
			var st selfdriveState
			if err := json.Unmarshal(e.Payload, &st); err != nil {
				continue
			}
			sec := t.seconds(e.MonoTime)
			lastSeen = sec

			if st.Enabled && engaged == nil {
				engaged = &span{Entry: Entry{Start: sec, End: sec, Type: Engaged}, openStart: first}
			} else if !st.Enabled && engaged != nil {
				engaged.End = sec
				spans = append(spans, *engaged)
				engaged = nil
			}

			typ, active := alertType(st)
			if alert != nil && (!active || alert.Type != typ || alert.Text != st.AlertText1) {
				alert.End = sec
				spans = append(spans, *alert)
				alert = nil
			}
			if active && alert == nil {
				alert = &span{Entry: Entry{Start: sec, End: sec, Type: typ, Text: st.AlertText1}, openStart: first}
			}
			first = false

		case ChannelUserFlag:
			var uf userFlag
			_ = json.Unmarshal(e.Payload, &uf)
			sec := t.seconds(e.MonoTime)
			spans = append(spans, span{Entry: Entry{Start: sec, End: sec, Type: UserFlag, Text: uf.Text}})
		}
	}

	for _, open := range []*span{engaged, alert} {
		if open != nil {
			open.End = lastSeen
			open.openEnd = true
			spans = append(spans, *open)
		}
	}
	return spans
}

func alertType(st selfdriveState) (EntryType, bool) {
	if st.AlertSize == "" || st.AlertSize == "none" {
		return 0, false
	}
	switch st.AlertStatus {
	case "critical":
		return AlertCritical, true
	case "userPrompt":
		return AlertWarning, true
	default:
		return AlertInfo, true
	}
}

func (t *Timeline) seconds(mono uint64) float64 {
	if mono < t.startNanos {
		return 0
	}
	return float64(mono-t.startNanos) / 1e9
}

// rebuild stitches per-segment spans into the published snapshots. Must hold t.mu.
func (t *Timeline) rebuild() {
	indices := make([]int, 0, len(t.segments))
	for n := range t.segments {
		indices = append(indices, n)
	}
	sort.Ints(indices)

	var (
		out     []Entry
		pending = map[EntryType]*span{}
		pendSeg = map[EntryType]int{}
	)
	flush := func(typ EntryType) {
		if p := pending[typ]; p != nil {
			out = append(out, p.Entry)
			delete(pending, typ)
		}
	}

	for _, n := range indices {
		for _, s := range t.segments[n] {
			if s.Type == UserFlag {
				out = append(out, s.Entry)
				continue
			}
			key := s.Type
			if s.Type.IsAlert() {
				key = AlertInfo // all severities share one alert stream
			}
			p := pending[key]
			if p != nil && p.openEnd && s.openStart && pendSeg[key] == n-1 &&
				p.Type == s.Type && p.Text == s.Text {
				p.End = s.End
				p.openEnd = s.openEnd
				pendSeg[key] = n
				continue
			}
			flush(key)
			cp := s
			pending[key] = &cp
			pendSeg[key] = n
		}
	}
	for _, key := range []EntryType{Engaged, AlertInfo} {
		flush(key)
	}

	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return int(a.Type) - int(b.Type)
	})

	alerts := make([]Entry, 0)
	for _, e := range out {
		if e.Type.IsAlert() {
			alerts = append(alerts, e)
		}
	}
	if out == nil {
		out = []Entry{}
	}
	t.entries.Store(&out)
	t.alerts.Store(&alerts)
}
