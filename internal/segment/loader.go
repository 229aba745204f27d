package segment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/metrics"
)

// ErrNoLog is returned when a segment has neither a full nor a reduced log.
var ErrNoLog = errors.New("segment has no log file")

// Files are the log locations of one segment. Either may be empty.
type Files struct {
	RLog string `json:"rlog,omitempty"` // full log
	QLog string `json:"qlog,omitempty"` // reduced log
}

func (f Files) Empty() bool {
	return f.RLog == "" && f.QLog == ""
}

// Loader fetches and decodes segment logs.
type Loader struct {
	fetcher      *Fetcher
	useFileCache bool
	tracer       trace.Tracer
}

func NewLoader(fetcher *Fetcher, useFileCache bool) *Loader {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	return &Loader{
		fetcher:      fetcher,
		useFileCache: useFileCache,
		tracer:       otel.Tracer("github.com/technosupport/ts-replay/internal/segment"),
	}
}

// Load decodes segment index from files, preferring the full log and falling back to
// the reduced log when the full one is missing or unreadable.
func (l *Loader) Load(ctx context.Context, index int, files Files) ([]event.Event, error) {
	ctx, span := l.tracer.Start(ctx, "segment.load", trace.WithAttributes(attribute.Int("segment.index", index)))
	defer span.End()

	start := time.Now()
	events, err := l.load(ctx, index, files)
	metrics.SegmentLoadSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("segment.events", len(events)))
	return events, nil
}

func (l *Loader) load(ctx context.Context, index int, files Files) ([]event.Event, error) {
	if files.Empty() {
		return nil, ErrNoLog
	}

	var firstErr error
	for _, loc := range []string{files.RLog, files.QLog} {
		if loc == "" {
			continue
		}
		events, err := l.decode(ctx, index, loc)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if firstErr == nil {
			firstErr = err
		}
		log.Printf("[WARN] Segment %d: %v", index, err)
	}
	return nil, firstErr
}

func (l *Loader) decode(ctx context.Context, index int, location string) ([]event.Event, error) {
	rc, err := l.fetcher.Open(ctx, location, l.useFileCache)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	events, err := Decode(rc, index)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", location, err)
	}
	return events, nil
}
