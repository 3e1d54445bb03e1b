// Package schedulerapi is the Scheduler process's HTTP surface: per-task and
// global SSE streams plus a status endpoint. The SSE handler shape —
// register a subscriber channel, loop on channel-or-ctx.Done, flush after
// every write — is adapted directly from
// anyuan-chen-splitter/server/api/handlers.go's ProgressStreamHandler, with
// progressbus.Bus's connection cap and heartbeat added per spec.md §4.9.
package schedulerapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"amdl-orchestrator/internal/progressbus"
)

const heartbeatInterval = time.Second

// Server is the scheduler's HTTP surface (SSE + status).
type Server struct {
	bus    *progressbus.Bus
	router *chi.Mux
}

// New builds a Server wired to bus.
func New(bus *progressbus.Bus) *Server {
	s := &Server{bus: bus, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// Router exposes the underlying handler for the caller's http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/progress/{uuid}", s.handleProgressStream)
	s.router.Get("/api/progress/notice", s.handleNoticeStream)
	s.router.Get("/api/sse/status", s.handleStatus)
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	ch, cancel, err := s.bus.SubscribeProgress(uuid)
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	fmt.Fprintf(w, "event: connected\ndata: {\"uuid\":%q}\n\n", uuid)
	if flusher != nil {
		flusher.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleNoticeStream(w http.ResponseWriter, r *http.Request) {
	ch, cancel, err := s.bus.SubscribeNotice()
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	setSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.bus.Stats())
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
