// Package api exposes a replay session over HTTP: playback control, state and timeline
// queries, and a websocket notification stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/technosupport/ts-replay/internal/data"
	"github.com/technosupport/ts-replay/internal/middleware"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/replay"
	"github.com/technosupport/ts-replay/internal/timeline"
	"github.com/technosupport/ts-replay/internal/tokens"
)

// Player is the replay surface the API drives. *replay.Replay satisfies it.
type Player interface {
	Start(seconds float64) error
	Stop()
	Pause(pause bool)
	SeekTo(seconds float64, relative bool)
	SeekToFlag(flag timeline.FindFlag) bool
	SetSpeed(s float64) error
	SetSegmentCacheLimit(n int)
	SetLoop(loop bool)
	Status() replay.Status
	Timeline() []timeline.Entry
	FindAlertAtTime(sec float64) (timeline.Entry, bool)
	Subscribe(h func(notify.Notification)) (unsubscribe func())
}

// RouteLister backs GET /routes when routes are catalogued in SQL.
type RouteLister interface {
	ListRoutes(ctx context.Context, limit int) ([]data.RouteSummary, error)
}

type Config struct {
	Player Player
	Routes RouteLister // optional

	// Auth is nil when authentication is disabled.
	Auth *middleware.JWTAuth
	// RateLimit applies to control commands; optional.
	RateLimit *middleware.RateLimit

	RequestTimeout time.Duration
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.Auth != nil {
			r.Use(s.cfg.Auth.Middleware)
		}
		// websocket connections outlive the request timeout
		r.With(s.require(tokens.Viewer)).Get("/replay/ws", s.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))
			r.Use(s.require(tokens.Viewer))
			r.Get("/replay/state", s.GetState)
			r.Get("/replay/timeline", s.GetTimeline)
			r.Get("/replay/alert", s.GetAlert)
			r.Get("/routes", s.ListRoutes)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))
			r.Use(s.require(tokens.Operator))
			if s.cfg.RateLimit != nil {
				r.Use(s.cfg.RateLimit.Middleware)
			}
			r.Post("/replay/start", s.Start)
			r.Post("/replay/stop", s.Stop)
			r.Post("/replay/pause", s.Pause)
			r.Post("/replay/resume", s.Resume)
			r.Post("/replay/seek", s.Seek)
			r.Post("/replay/seek-flag", s.SeekFlag)
			r.Post("/replay/speed", s.SetSpeed)
			r.Post("/replay/cache-limit", s.SetCacheLimit)
			r.Post("/replay/loop", s.SetLoop)
		})
	})

	return otelhttp.NewHandler(r, "replay-api")
}

func (s *Server) require(role tokens.Role) func(http.Handler) http.Handler {
	if s.cfg.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RequireRole(role)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody parses an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
