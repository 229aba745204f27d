package route

import (
	"errors"
	"fmt"
)

// ErrRouteResolution matches every RouteError with errors.Is.
var ErrRouteResolution = errors.New("route resolution failed")

type ErrorKind string

const (
	RouteNotFound     ErrorKind = "route_not_found"
	NoSegments        ErrorKind = "no_segments"
	MalformedCatalog  ErrorKind = "malformed_catalog"
	InvalidIdentifier ErrorKind = "invalid_identifier"
)

// RouteError is returned when a route identifier cannot be turned into a usable catalog.
type RouteError struct {
	Kind  ErrorKind
	Route string
	Err   error
}

func (e *RouteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] route %q: %v", e.Kind, e.Route, e.Err)
	}
	return fmt.Sprintf("[%s] route %q", e.Kind, e.Route)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

func (e *RouteError) Is(target error) bool {
	return target == ErrRouteResolution
}

func newError(kind ErrorKind, route string, err error) *RouteError {
	return &RouteError{Kind: kind, Route: route, Err: err}
}
