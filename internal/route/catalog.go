package route

import (
	"context"
	"maps"
	"slices"

	"github.com/technosupport/ts-replay/internal/segment"
)

// Catalog is the resolved, ordered set of segments of one route.
type Catalog struct {
	ID       Identifier
	Segments map[int]segment.Files
}

// Source resolves route identifiers into catalogs.
type Source interface {
	Resolve(ctx context.Context, id Identifier) (*Catalog, error)
}

// Indices returns the segment indices in ascending order.
func (c *Catalog) Indices() []int {
	return slices.Sorted(maps.Keys(c.Segments))
}

func (c *Catalog) First() int {
	idx := c.Indices()
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

func (c *Catalog) Last() int {
	idx := c.Indices()
	if len(idx) == 0 {
		return -1
	}
	return idx[len(idx)-1]
}

// Clone returns a copy whose segment map can be modified independently.
func (c *Catalog) Clone() *Catalog {
	return &Catalog{ID: c.ID, Segments: maps.Clone(c.Segments)}
}

// restrict drops segments outside the identifier's range and validates the result.
func restrict(id Identifier, segs map[int]segment.Files) (*Catalog, error) {
	out := make(map[int]segment.Files, len(segs))
	for n, files := range segs {
		if n < 0 {
			return nil, newError(MalformedCatalog, id.String(), errNegativeIndex(n))
		}
		if id.Contains(n) && !files.Empty() {
			out[n] = files
		}
	}
	if len(out) == 0 {
		return nil, newError(NoSegments, id.String(), nil)
	}
	return &Catalog{ID: id, Segments: out}, nil
}
