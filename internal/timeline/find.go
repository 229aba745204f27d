package timeline

import "fmt"

// FindFlag selects the kind of entry a flag-seek jumps to.
type FindFlag int

const (
	NextEngagement FindFlag = iota + 1
	NextDisengagement
	NextAlert
	NextInfo
	NextWarning
	NextCritical
	NextUserFlag
)

var flagNames = map[string]FindFlag{
	"next_engagement":    NextEngagement,
	"next_disengagement": NextDisengagement,
	"next_alert":         NextAlert,
	"next_info":          NextInfo,
	"next_warning":       NextWarning,
	"next_critical":      NextCritical,
	"next_user_flag":     NextUserFlag,
}

// ParseFindFlag maps the API spelling ("next_alert", ...) to a FindFlag.
func ParseFindFlag(s string) (FindFlag, error) {
	if f, ok := flagNames[s]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown seek flag: %q", s)
}

func (f FindFlag) String() string {
	for name, v := range flagNames {
		if v == f {
			return name
		}
	}
	return "unknown"
}

// Find returns the time of the nearest entry matching flag strictly after cur.
// Disengagement resolves to the end of the next engaged span still running after cur.
func (t *Timeline) Find(flag FindFlag, cur float64) (float64, bool) {
	for _, e := range t.Entries() {
		if e.Type == Engaged {
			if flag == NextEngagement && e.Start > cur {
				return e.Start, true
			}
			if flag == NextDisengagement && e.End > cur {
				return e.End, true
			}
			continue
		}
		if e.Start <= cur {
			continue
		}
		switch {
		case flag == NextUserFlag && e.Type == UserFlag,
			flag == NextAlert && e.Type.IsAlert(),
			flag == NextInfo && e.Type == AlertInfo,
			flag == NextWarning && e.Type == AlertWarning,
			flag == NextCritical && e.Type == AlertCritical:
			return e.Start, true
		}
	}
	return 0, false
}
