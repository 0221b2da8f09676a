// Package api is the coordinator's HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/config"
	"github.com/timskillet/replicated-filestore/internal/events"
	"github.com/timskillet/replicated-filestore/internal/liveness"
	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/placement"
)

// maxJSONBody bounds request bodies; the coordinator never receives chunk bytes.
const maxJSONBody = 1 << 20

type Server struct {
	cfg     *config.Config
	ns      *namespace.Namespace
	monitor *liveness.Monitor
	engine  *placement.Engine
	hub     *events.Hub
	log     zerolog.Logger
}

func NewServer(cfg *config.Config, ns *namespace.Namespace, monitor *liveness.Monitor, engine *placement.Engine, hub *events.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ns:      ns,
		monitor: monitor,
		engine:  engine,
		hub:     hub,
		log:     log.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /files", s.handleCreateFile)
	mux.HandleFunc("GET /files/{path...}", s.handleGetFile)
	mux.HandleFunc("DELETE /files/{path...}", s.handleDeleteFile)

	mux.HandleFunc("POST /directories", s.handleCreateDirectory)
	mux.HandleFunc("GET /directories", s.handleListDirectory)
	mux.HandleFunc("GET /directories/{path...}", s.handleListDirectory)

	mux.HandleFunc("POST /chunks/allocate", s.handleAllocate)
	mux.HandleFunc("GET /chunks/{id}", s.handleGetChunk)
	mux.HandleFunc("POST /chunks/{id}/complete", s.handleCompleteChunk)
	mux.HandleFunc("POST /chunks/{id}/report", s.handleReport)

	mux.HandleFunc("POST /datanodes/register", s.handleRegister)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /datanodes", s.handleListDataNodes)

	mux.HandleFunc("GET /cluster/stats", s.handleClusterStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.hub.ServeWS)

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := zerolog.DebugLevel
		if rec.status >= 500 {
			level = zerolog.WarnLevel
		}
		s.log.WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
