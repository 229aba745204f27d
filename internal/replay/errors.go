package replay

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded     = errors.New("route not loaded")
	ErrAlreadyLoaded = errors.New("route already playing")
	ErrStopped       = errors.New("replay stopped")
	ErrInvalidSpeed  = errors.New("speed must be positive")
)

// SegmentLoadError reports a segment whose log could not be loaded. Fatal is set when
// the failure halted playback.
type SegmentLoadError struct {
	Segment int
	Fatal   bool
	Err     error
}

func (e *SegmentLoadError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("segment %d failed to load (playback halted): %v", e.Segment, e.Err)
	}
	return fmt.Sprintf("segment %d failed to load: %v", e.Segment, e.Err)
}

func (e *SegmentLoadError) Unwrap() error {
	return e.Err
}
