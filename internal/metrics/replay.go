package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Replay engine metrics. Labels stay low-cardinality: no route or segment ids.
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_events_published_total",
		Help: "Events handed to an output path by the streaming loop",
	}, []string{"path"}) // bus, state, frame

	EventsFilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_events_filtered_total",
		Help: "Events dropped by the installed event filter",
	})

	PublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_publish_errors_total",
		Help: "Failed publishes by output path",
	}, []string{"path"})

	SegmentLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_segment_loads_total",
		Help: "Segment load attempts by result",
	}, []string{"result"}) // ok, fail, cancelled

	SegmentLoadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replay_segment_load_seconds",
		Help:    "Time to fetch and decode one segment log",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	SegmentsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_segments_resident",
		Help: "Segments currently held by the window cache",
	})

	EventBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_event_buffer_size",
		Help: "Events in the merged playback buffer",
	})

	SeeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_seeks_total",
		Help: "Seek requests by kind",
	}, []string{"kind"}) // absolute, relative, flag

	FileCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_file_cache_total",
		Help: "Remote segment file cache lookups",
	}, []string{"result"}) // hit, miss

	CatalogCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_catalog_cache_total",
		Help: "Route catalog cache lookups",
	}, []string{"result"})
)
