package api

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-replay/internal/replay"
	"github.com/technosupport/ts-replay/internal/timeline"
)

// GET /replay/state
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Player.Status())
}

// GET /replay/timeline
func (s *Server) GetTimeline(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Player.Timeline())
}

// GET /replay/alert?t=<seconds>
func (s *Server) GetAlert(w http.ResponseWriter, r *http.Request) {
	sec, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil || math.IsNaN(sec) {
		respondError(w, http.StatusBadRequest, "t must be a number of seconds")
		return
	}
	entry, ok := s.cfg.Player.FindAlertAtTime(sec)
	if !ok {
		respondError(w, http.StatusNotFound, "no alert at that time")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// POST /replay/start {"seconds": 0}
func (s *Server) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.cfg.Player.Start(req.Seconds); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, replay.ErrNotLoaded) || errors.Is(err, replay.ErrStopped) {
			status = http.StatusConflict
		}
		respondError(w, status, err.Error())
		return
	}
	log.Printf("[INFO] API: start at %.1fs", req.Seconds)
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/stop
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	s.cfg.Player.Stop()
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/pause
func (s *Server) Pause(w http.ResponseWriter, r *http.Request) {
	s.cfg.Player.Pause(true)
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/resume
func (s *Server) Resume(w http.ResponseWriter, r *http.Request) {
	s.cfg.Player.Pause(false)
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/seek {"seconds": 30, "relative": false}
func (s *Server) Seek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds  *float64 `json:"seconds"`
		Relative bool     `json:"relative"`
	}
	if err := decodeBody(r, &req); err != nil || req.Seconds == nil || math.IsNaN(*req.Seconds) {
		respondError(w, http.StatusBadRequest, "seconds is required")
		return
	}
	s.cfg.Player.SeekTo(*req.Seconds, req.Relative)
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/seek-flag {"flag": "next_alert"}
func (s *Server) SeekFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flag string `json:"flag"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	flag, err := timeline.ParseFindFlag(req.Flag)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.cfg.Player.SeekToFlag(flag) {
		respondError(w, http.StatusNotFound, "no matching timeline entry ahead")
		return
	}
	respondJSON(w, http.StatusAccepted, s.cfg.Player.Status())
}

// POST /replay/speed {"speed": 2}
func (s *Server) SetSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.cfg.Player.SetSpeed(req.Speed); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Player.Status())
}

// POST /replay/cache-limit {"segments": 8}
func (s *Server) SetCacheLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Segments int `json:"segments"`
	}
	if err := decodeBody(r, &req); err != nil || req.Segments <= 0 {
		respondError(w, http.StatusBadRequest, "segments must be a positive integer")
		return
	}
	s.cfg.Player.SetSegmentCacheLimit(req.Segments)
	respondJSON(w, http.StatusOK, s.cfg.Player.Status())
}

// POST /replay/loop {"loop": true}
func (s *Server) SetLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Loop *bool `json:"loop"`
	}
	if err := decodeBody(r, &req); err != nil || req.Loop == nil {
		respondError(w, http.StatusBadRequest, "loop is required")
		return
	}
	s.cfg.Player.SetLoop(*req.Loop)
	respondJSON(w, http.StatusOK, s.cfg.Player.Status())
}

// GET /routes?limit=50
func (s *Server) ListRoutes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Routes == nil {
		respondError(w, http.StatusNotImplemented, "route catalog is not SQL backed")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = min(v, 500)
		}
	}
	routes, err := s.cfg.Routes.ListRoutes(r.Context(), limit)
	if err != nil {
		log.Printf("[ERROR] API: list routes: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list routes")
		return
	}
	respondJSON(w, http.StatusOK, routes)
}
