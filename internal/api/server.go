// Package api serves the read-only status surface: the latest cycle
// snapshot, recent history, lane statistics and charts. Handlers only read
// from the status board and the history store.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/junction/internal/db"
	"github.com/banshee-data/junction/internal/httputil"
	"github.com/banshee-data/junction/internal/status"
	"github.com/banshee-data/junction/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultLimit = 50
	maxLimit     = 5000
)

// History is the read side of the cycle store.
type History interface {
	RecentCycles(ctx context.Context, limit int) ([]db.CycleRecord, error)
	LaneStats(ctx context.Context, limit int) (db.Stats, error)
}

type Server struct {
	board   *status.Board
	history History
	config  any
}

// NewServer returns a server over board. history may be nil when no
// database is configured; config is served verbatim at /api/config.
func NewServer(board *status.Board, history History, config any) *Server {
	return &Server{board: board, history: history, config: config}
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

// LoggingMiddleware logs method, URI, status and duration.
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

// ServeMux returns the routes. Callers may add admin routes to the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/events", s.streamStatus)
	mux.HandleFunc("/api/cycles", s.listCycles)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/charts/durations", s.durationsChart)
	mux.HandleFunc("/charts/occupancy.png", s.occupancyPlot)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	snap, ok := s.board.Latest()
	if !ok {
		httputil.WriteError(w, http.StatusServiceUnavailable, "no cycle has started yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// streamStatus pushes every published snapshot as a Server-Sent Event.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.board.Subscribe(8)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()

	if snap, ok := s.board.Latest(); ok {
		if err := writeEvent(w, snap); err != nil {
			return
		}
		flusher.Flush()
	}
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		httputil.WriteError(w, http.StatusNotFound, "cycle history is not enabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "%v", err)
		return
	}
	recs, err := s.history.RecentCycles(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load cycles: %v", err)
		return
	}
	if recs == nil {
		recs = []db.CycleRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		httputil.WriteError(w, http.StatusNotFound, "cycle history is not enabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "%v", err)
		return
	}
	stats, err := s.history.LaneStats(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to compute stats: %v", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.config)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, version.Get())
}

// parseLimit reads ?limit=, defaulting to defaultLimit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	return n, nil
}
