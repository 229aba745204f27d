package route

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TimestampLayout is the route timestamp as it appears in identifiers and directory names.
const TimestampLayout = "2006-01-02--15-04-05"

// dongle|2024-03-01--10-20-30[--begin[--end]], '/' accepted in place of '|' and '--'
var identifierRe = regexp.MustCompile(
	`^([0-9A-Za-z]{1,64})[|/_](\d{4}-\d{2}-\d{2}--\d{2}-\d{2}-\d{2})(?:(?:--|/)(\d+)(?:(?:--|/)(\d+))?)?$`)

// Identifier names a route and an optional inclusive segment range.
type Identifier struct {
	DongleID  string
	Timestamp string
	Begin     int // -1 when unset
	End       int // -1 when unset
}

func ParseIdentifier(s string) (Identifier, error) {
	m := identifierRe.FindStringSubmatch(s)
	if m == nil {
		return Identifier{}, newError(InvalidIdentifier, s, fmt.Errorf("expected dongle|YYYY-MM-DD--HH-MM-SS"))
	}
	if _, err := time.Parse(TimestampLayout, m[2]); err != nil {
		return Identifier{}, newError(InvalidIdentifier, s, err)
	}

	id := Identifier{DongleID: m[1], Timestamp: m[2], Begin: -1, End: -1}
	if m[3] != "" {
		id.Begin, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		id.End, _ = strconv.Atoi(m[4])
		if id.End < id.Begin {
			return Identifier{}, newError(InvalidIdentifier, s, fmt.Errorf("segment range %d..%d is empty", id.Begin, id.End))
		}
	}
	return id, nil
}

// Name is the canonical route name without the segment range.
func (id Identifier) Name() string {
	return id.DongleID + "|" + id.Timestamp
}

func (id Identifier) String() string {
	s := id.Name()
	if id.Begin >= 0 {
		s += fmt.Sprintf("--%d", id.Begin)
	}
	if id.End >= 0 {
		s += fmt.Sprintf("--%d", id.End)
	}
	return s
}

// Time is the wall-clock start of the route encoded in its name (device local time).
func (id Identifier) Time() time.Time {
	t, _ := time.ParseInLocation(TimestampLayout, id.Timestamp, time.Local)
	return t
}

// Contains reports whether segment n is inside the selected range. A lone begin selects
// everything from begin onwards.
func (id Identifier) Contains(n int) bool {
	if id.Begin >= 0 && n < id.Begin {
		return false
	}
	if id.End >= 0 && n > id.End {
		return false
	}
	return true
}
