package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sortbot/internal/db"
	"github.com/banshee-data/sortbot/internal/orchestrator"
	"github.com/banshee-data/sortbot/internal/tracking"
	"github.com/banshee-data/sortbot/internal/zones"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultOutcomeLimit = 50

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Stats() orchestrator.Stats
	ResetStats()
	Current() (orchestrator.TaskReport, bool)
	Abort() bool
	RunID() string
}

// ZoneStore is the zone registry surface the API reads and empties.
type ZoneStore interface {
	Snapshot() []zones.Zone
	Empty(zoneID string) error
}

// TrackSource is the tracker surface the API reads.
type TrackSource interface {
	All() []tracking.TrackedObject
	Counts() tracking.TrackCounts
}

// OutcomeStore is the persisted outcome surface. It is optional.
type OutcomeStore interface {
	RecentOutcomes(ctx context.Context, limit int) ([]orchestrator.TaskReport, error)
	Summary(ctx context.Context, runID string) ([]db.ZoneSummary, error)
}

type Server struct {
	orch     Controller
	zones    ZoneStore
	tracks   TrackSource
	outcomes OutcomeStore
}

// NewServer builds the status and control API. outcomes may be nil when the
// sorter runs without an outcome database.
func NewServer(orch Controller, zs ZoneStore, tracks TrackSource, outcomes OutcomeStore) *Server {
	return &Server{
		orch:     orch,
		zones:    zs,
		tracks:   tracks,
		outcomes: outcomes,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/stats/reset", s.resetStats)
	mux.HandleFunc("/api/zones", s.listZones)
	mux.HandleFunc("/api/zones/{id}/empty", s.emptyZone)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/task", s.showTask)
	mux.HandleFunc("/api/stop", s.stop)
	mux.HandleFunc("/api/outcomes", s.listOutcomes)
	mux.HandleFunc("/api/charts/zones", s.handleZoneChart)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any, what string) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write "+what)
	}
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := struct {
		RunID  string               `json:"run_id"`
		Stats  orchestrator.Stats   `json:"stats"`
		Tracks tracking.TrackCounts `json:"tracks"`
	}{
		RunID:  s.orch.RunID(),
		Stats:  s.orch.Stats(),
		Tracks: s.tracks.Counts(),
	}
	s.writeJSON(w, resp, "stats")
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.orch.ResetStats()
	s.writeJSON(w, s.orch.Stats(), "stats")
}

type zoneView struct {
	zones.Zone
	Free int     `json:"free"`
	Load float64 `json:"load"`
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.zones.Snapshot()
	out := make([]zoneView, len(snap))
	for i, z := range snap {
		out[i] = zoneView{Zone: z, Free: z.Free(), Load: z.Load()}
	}
	s.writeJSON(w, out, "zones")
}

func (s *Server) emptyZone(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.PathValue("id")
	if err := s.zones.Empty(id); err != nil {
		switch {
		case errors.Is(err, zones.ErrUnknownZone):
			s.writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, zones.ErrZoneBusy):
			s.writeJSONError(w, http.StatusConflict, err.Error())
		default:
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to empty zone: %v", err))
		}
		return
	}
	s.writeJSON(w, map[string]string{"status": "emptied", "zone_id": id}, "zone")
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	tracks := s.tracks.All()
	if r.URL.Query().Get("active") == "true" {
		active := tracks[:0]
		for _, t := range tracks {
			if t.Active() {
				active = append(active, t)
			}
		}
		tracks = active
	}
	if tracks == nil {
		tracks = []tracking.TrackedObject{}
	}
	s.writeJSON(w, tracks, "tracks")
}

func (s *Server) showTask(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	task, ok := s.orch.Current()
	resp := struct {
		Active bool                     `json:"active"`
		Task   *orchestrator.TaskReport `json:"task,omitempty"`
	}{Active: ok}
	if ok {
		resp.Task = &task
	}
	s.writeJSON(w, resp, "task")
}

// stop aborts the in-flight task. The orchestrator goroutine owns the robot
// link and issues the stop and gripper release itself.
func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	aborted := s.orch.Abort()
	s.writeJSON(w, map[string]bool{"aborted": aborted}, "stop")
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.outcomes == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Outcome store not configured")
		return
	}

	limit := defaultOutcomeLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	recent, err := s.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve outcomes: %v", err))
		return
	}
	summary, err := s.outcomes.Summary(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to summarise outcomes: %v", err))
		return
	}
	if recent == nil {
		recent = []orchestrator.TaskReport{}
	}
	if summary == nil {
		summary = []db.ZoneSummary{}
	}

	resp := struct {
		Outcomes []orchestrator.TaskReport `json:"outcomes"`
		Zones    []db.ZoneSummary          `json:"zones"`
	}{recent, summary}
	s.writeJSON(w, resp, "outcomes")
}
