package route

import (
	"context"
	"fmt"

	"github.com/technosupport/ts-replay/internal/data"
	"github.com/technosupport/ts-replay/internal/segment"
)

// SQLSource resolves routes from the route_segments table. Log locations are usually
// http(s) URLs fetched through the segment file cache.
type SQLSource struct {
	Segments data.RouteSegmentModel
}

func (s SQLSource) Resolve(ctx context.Context, id Identifier) (*Catalog, error) {
	rows, err := s.Segments.ListByRoute(ctx, id.Name())
	if err != nil {
		return nil, newError(MalformedCatalog, id.String(), fmt.Errorf("query catalog: %w", err))
	}
	if len(rows) == 0 {
		return nil, newError(RouteNotFound, id.String(), nil)
	}

	segs := make(map[int]segment.Files, len(rows))
	for _, r := range rows {
		if _, dup := segs[r.SegmentIndex]; dup {
			return nil, newError(MalformedCatalog, id.String(), fmt.Errorf("duplicate segment %d", r.SegmentIndex))
		}
		segs[r.SegmentIndex] = segment.Files{RLog: r.RLogURL, QLog: r.QLogURL}
	}
	return restrict(id, segs)
}
