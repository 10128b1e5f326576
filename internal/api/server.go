// Package api exposes the proximity engine over HTTP JSON: scan ingest,
// location updates, proximity queries, entity removal and operational
// stats, plus health and Prometheus endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server routes HTTP requests into an engine instance. It owns no domain
// state; everything is constructed in main and injected.
type Server struct {
	engine  *engine.Engine
	limiter *rateLimiter
}

// NewServer wraps an engine with the HTTP surface. A zero or negative
// rateLimit disables per-client limiting (used by tests and trusted
// internal deployments).
func NewServer(e *engine.Engine, rateLimit int) *Server {
	s := &Server{engine: e}
	if rateLimit > 0 {
		s.limiter = newRateLimiter(rateLimit, time.Minute)
	}
	return s
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
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration, and
// feeds the per-route request counter.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		monitoring.APIRequests.WithLabelValues(route, fmt.Sprintf("%dxx", lrw.statusCode/100)).Inc()
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux mounts the API handlers. Rate limiting applies to the
// /api/v1/ routes only; health probes and metrics scrapes stay exempt.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/scan", s.rateLimited(s.handleScan))
	mux.Handle("/api/v1/location", s.rateLimited(s.handleLocation))
	mux.Handle("/api/v1/proximity", s.rateLimited(s.handleProximity))
	mux.Handle("/api/v1/entity/remove", s.rateLimited(s.handleRemove))
	mux.Handle("/api/v1/stats", s.rateLimited(s.handleStats))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusForError maps the engine's error taxonomy onto HTTP codes:
// caller-correctable input problems are 400, a full ingest queue is
// 503 (retry with backoff), a poisoned cell is 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidData),
		errors.Is(err, engine.ErrPrecision),
		errors.Is(err, engine.ErrInvalidRadius):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBackpressure):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type submitResponse struct {
	Accepted bool        `json:"accepted"`
	EntityID string      `json:"entity_id,omitempty"`
	Ack      *engine.Ack `json:"ack,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

func (s *Server) writeSubmitReject(w http.ResponseWriter, err error) {
	w.WriteHeader(statusForError(err))
	json.NewEncoder(w).Encode(submitResponse{Accepted: false, Reason: err.Error()})
}

// handleScan admits a full submission: sample plus entity attributes.
// A tag posted without an id gets a server-assigned UUID, returned in
// the response so the client can address the tag afterwards.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var sub engine.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if sub.EntityID == "" && sub.Kind == engine.KindTag {
		sub.EntityID = uuid.NewString()
	}

	ack, err := s.engine.Submit(sub)
	if err != nil {
		s.writeSubmitReject(w, err)
		return
	}
	json.NewEncoder(w).Encode(submitResponse{Accepted: true, EntityID: ack.EntityID, Ack: &ack})
}

type locationRequest struct {
	EntityID string     `json:"entity_id"`
	Sample   geo.Sample `json:"sample"`
}

// handleLocation advances the position of an entity that already exists.
// The entity's kind and attributes are taken from the index, so the
// request body stays minimal.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	ent, ok := s.engine.Get(req.EntityID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(submitResponse{Accepted: false, Reason: fmt.Sprintf("unknown entity %q", req.EntityID)})
		return
	}

	ack, err := s.engine.Submit(engine.Submission{
		EntityID: req.EntityID,
		Kind:     ent.Kind,
		Sample:   req.Sample,
	})
	if err != nil {
		s.writeSubmitReject(w, err)
		return
	}
	json.NewEncoder(w).Encode(submitResponse{Accepted: true, EntityID: ack.EntityID, Ack: &ack})
}

type proximityResponse struct {
	Entities     []engine.Match `json:"entities"`
	ScanQuality  engine.Quality `json:"scan_quality"`
	Degraded     bool           `json:"degraded"`
	CellsScanned int            `json:"cells_scanned"`
	FromCache    int            `json:"from_cache"`
}

// handleProximity runs a proximity query from URL parameters: lat, lon,
// alt, radius are the scan geometry; max, kinds, statuses, lidarOnly,
// minConfidence, level and exclude shape the result.
func (s *Server) handleProximity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q, err := queryFromParams(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.Query(r.Context(), q)
	if err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}

	resp := proximityResponse{
		Entities:     res.Matches,
		ScanQuality:  res.ScanQuality,
		Degraded:     res.Degraded,
		CellsScanned: res.CellsScanned,
		FromCache:    res.CacheHits,
	}
	if resp.Entities == nil {
		resp.Entities = []engine.Match{}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write proximity result")
		return
	}
}

// queryFromParams parses the proximity query string. Missing lat/lon/radius
// are caught here; range and filter validation belongs to the engine.
func queryFromParams(r *http.Request) (engine.Query, error) {
	var q engine.Query
	params := r.URL.Query()

	for _, p := range []struct {
		name     string
		dst      *float64
		required bool
	}{
		{"lat", &q.Latitude, true},
		{"lon", &q.Longitude, true},
		{"alt", &q.AltitudeM, false},
		{"radius", &q.RadiusM, true},
		{"minConfidence", &q.Filter.MinConfidence, false},
	} {
		raw := params.Get(p.name)
		if raw == "" {
			if p.required {
				return q, fmt.Errorf("missing required parameter %q", p.name)
			}
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return q, fmt.Errorf("invalid %q parameter: %v", p.name, err)
		}
		*p.dst = v
	}

	if raw := params.Get("max"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return q, fmt.Errorf("invalid %q parameter", "max")
		}
		q.MaxResults = v
	}
	for _, k := range splitParam(params.Get("kinds")) {
		q.Filter.Kinds = append(q.Filter.Kinds, engine.EntityKind(k))
	}
	for _, st := range splitParam(params.Get("statuses")) {
		q.Filter.Statuses = append(q.Filter.Statuses, engine.EntityStatus(st))
	}
	if raw := params.Get("lidarOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("invalid %q parameter: %v", "lidarOnly", err)
		}
		q.Filter.RequireLiDARGrade = v
	}
	q.Filter.QuerierLevel = engine.Visibility(params.Get("level"))
	q.Filter.ExcludeID = params.Get("exclude")
	return q, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type removeRequest struct {
	EntityID string `json:"entity_id"`
}

type removeResponse struct {
	Removed bool `json:"removed"`
}

// handleRemove deletes an entity. Removal is idempotent: an unknown id
// answers removed=false with a 200, not an error.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	removed, err := s.engine.Remove(req.EntityID)
	if err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}
	json.NewEncoder(w).Encode(removeResponse{Removed: removed})
}

type statsResponse struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Engine        engine.StatsCounts        `json:"engine"`
	Users         int                       `json:"users"`
	Tags          int                       `json:"tags"`
	Cells         int                       `json:"cells"`
	QueryLatency  monitoring.LatencySummary `json:"query_latency"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	counts, uptime := s.engine.StatsTotals()
	users, tags, cells := s.engine.Counts()
	resp := statsResponse{
		UptimeSeconds: uptime.Seconds(),
		Engine:        counts,
		Users:         users,
		Tags:          tags,
		Cells:         cells,
		QueryLatency:  s.engine.LatencySummary(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
		return
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "ok\n")
}
