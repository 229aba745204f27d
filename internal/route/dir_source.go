package route

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/technosupport/ts-replay/internal/platform/paths"
	"github.com/technosupport/ts-replay/internal/segment"
)

var (
	rlogNames = []string{"rlog.zst", "rlog"}
	qlogNames = []string{"qlog.zst", "qlog"}
)

func errNegativeIndex(n int) error {
	return fmt.Errorf("negative segment index %d", n)
}

// DirSource resolves routes from a local data directory laid out as
// <root>/<timestamp>--<n>/{rlog,qlog}[.zst], optionally prefixed with "<dongle>|".
type DirSource struct {
	Root string
}

func (s DirSource) Resolve(ctx context.Context, id Identifier) (*Catalog, error) {
	segs, err := s.scan(id)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, newError(RouteNotFound, id.String(), nil)
	}
	return restrict(id, segs)
}

func (s DirSource) scan(id Identifier) (map[int]segment.Files, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(RouteNotFound, id.String(), err)
		}
		return nil, newError(MalformedCatalog, id.String(), err)
	}

	segs := make(map[int]segment.Files)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := segmentIndex(id, e.Name())
		if !ok {
			continue
		}
		files, err := s.SegmentFiles(e.Name())
		if err != nil {
			return nil, newError(MalformedCatalog, id.String(), err)
		}
		segs[n] = files
	}
	return segs, nil
}

// SegmentFiles looks up the log files inside one segment directory.
func (s DirSource) SegmentFiles(dirName string) (segment.Files, error) {
	dir, err := paths.SafeJoin(s.Root, dirName)
	if err != nil {
		return segment.Files{}, err
	}
	return segment.Files{
		RLog: firstExisting(dir, rlogNames),
		QLog: firstExisting(dir, qlogNames),
	}, nil
}

func firstExisting(dir string, names []string) string {
	for _, name := range names {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// segmentIndex parses "<timestamp>--<n>" or "<dongle>|<timestamp>--<n>" for the given route.
func segmentIndex(id Identifier, dirName string) (int, bool) {
	name := dirName
	if i := strings.IndexByte(name, '|'); i >= 0 {
		if name[:i] != id.DongleID {
			return 0, false
		}
		name = name[i+1:]
	}
	prefix := id.Timestamp + "--"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
