package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// RouteSegment is one row of the route_segments catalog table.
type RouteSegment struct {
	Route        string
	SegmentIndex int
	RLogURL      string
	QLogURL      string
	CreatedAt    time.Time
}

// RouteSummary is one route with the indices it has in the catalog.
type RouteSummary struct {
	Route    string  `json:"route"`
	Segments []int64 `json:"segments"`
}

type RouteSegmentModel struct {
	DB DBTX
}

func (m RouteSegmentModel) ListByRoute(ctx context.Context, route string) ([]RouteSegment, error) {
	query := `
		SELECT route, segment_index, rlog_url, qlog_url, created_at
		FROM route_segments
		WHERE route = $1
		ORDER BY segment_index`

	rows, err := m.DB.QueryContext(ctx, query, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RouteSegment
	for rows.Next() {
		var s RouteSegment
		var rlog, qlog sql.NullString
		if err := rows.Scan(&s.Route, &s.SegmentIndex, &rlog, &qlog, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.RLogURL = rlog.String
		s.QLogURL = qlog.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Upsert inserts a segment or replaces its log locations.
func (m RouteSegmentModel) Upsert(ctx context.Context, s RouteSegment) error {
	query := `
		INSERT INTO route_segments (route, segment_index, rlog_url, qlog_url)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (route, segment_index)
		DO UPDATE SET rlog_url = EXCLUDED.rlog_url, qlog_url = EXCLUDED.qlog_url`
	_, err := m.DB.ExecContext(ctx, query, s.Route, s.SegmentIndex, s.RLogURL, s.QLogURL)
	return err
}

// ListRoutes returns every route in the catalog with its segment indices, newest first.
func (m RouteSegmentModel) ListRoutes(ctx context.Context, limit int) ([]RouteSummary, error) {
	query := `
		SELECT route, array_agg(segment_index ORDER BY segment_index)
		FROM route_segments
		GROUP BY route
		ORDER BY MAX(created_at) DESC
		LIMIT $1`

	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RouteSummary
	for rows.Next() {
		var r RouteSummary
		if err := rows.Scan(&r.Route, pq.Array(&r.Segments)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m RouteSegmentModel) DeleteRoute(ctx context.Context, route string) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM route_segments WHERE route = $1`, route)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
