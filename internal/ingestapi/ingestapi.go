// Package ingestapi is the Submission API: the ingest process's chi router
// for task submission, queue listing, token exposure, avatar lookup, and
// search pass-through. Adapted from the teacher's internal/api.ControlServer
// (chi.Mux + middleware.Logger/Recoverer + an audit-logging security
// middleware), generalized from a single-machine control surface to the
// multi-user Submission API described in spec.md §4.3/§6.
package ingestapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"amdl-orchestrator/internal/appleapi"
	"amdl-orchestrator/internal/linkparser"
	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/resolver"
	"amdl-orchestrator/internal/searchcache"
	"amdl-orchestrator/internal/security"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/users"
)

const maxWaitTimeout = 60 * time.Second

// Server is the Submission API's HTTP surface.
type Server struct {
	store    *queuestore.Store
	users    *users.Directory
	tokens   *token.Manager
	api      *appleapi.Client
	cache    *searchcache.Manager
	resolver *resolver.Resolver
	audit    *security.AuditLogger
	logger   *slog.Logger
	router   *chi.Mux
}

// New builds a Server and wires its routes.
func New(store *queuestore.Store, dir *users.Directory, tokens *token.Manager, api *appleapi.Client, cache *searchcache.Manager, res *resolver.Resolver, audit *security.AuditLogger, logger *slog.Logger) *Server {
	s := &Server{store: store, users: dir, tokens: tokens, api: api, cache: cache, resolver: res, audit: audit, logger: logger, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// Router exposes the underlying handler for the caller's http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditMiddleware)

	s.router.Post("/task", s.handleSubmitTasks)
	s.router.Get("/task", s.handleListTasks)
	s.router.Get("/token", s.handleGetToken)
	s.router.Get("/user/avatar", s.handleGetAvatar)
	s.router.Get("/search", s.handleSearch)
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.audit.Log(sourceIP, r.Header.Get("X-User"), r.Method+" "+r.URL.Path, rec.status, "")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type submitItem struct {
	Link string `json:"link"`
}

type submitResponse struct {
	Status         string         `json:"status"`
	Message        string         `json:"message"`
	AcceptedCount  int            `json:"accepted_count"`
	FailedCount    int            `json:"failed_count"`
	FailureSummary map[string]int `json:"failure_summary"`
}

func (s *Server) handleSubmitTasks(w http.ResponseWriter, r *http.Request) {
	rawUser := r.Header.Get("X-User")
	canonical, _, err := s.users.Resolve(rawUser)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Status: "error", Message: "unknown user"})
		return
	}

	var items []submitItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Status: "error", Message: "invalid body"})
		return
	}

	failureSummary := map[string]int{}
	seenInBatch := map[string]bool{}
	var candidates []*model.Task

	for _, item := range items {
		stripped := linkparser.StripTrackSelector(item.Link)
		link, info, err := linkparser.Parse(stripped)
		if err != nil {
			failureSummary["unsupported_link"]++
			continue
		}

		key := canonical + "\x00" + link
		if seenInBatch[key] {
			failureSummary["duplicate"]++
			continue
		}
		seenInBatch[key] = true

		candidates = append(candidates, &model.Task{
			UUID:       uuid.New().String(),
			User:       canonical,
			Link:       link,
			LinkInfo:   info,
			Status:     model.StatusPendingMeta,
			SubmitTime: time.Now(),
		})
	}

	accepted, failures, err := s.store.Append(candidates)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, submitResponse{Status: "error", Message: err.Error()})
		return
	}
	for _, reason := range failures {
		failureSummary[reason]++
	}

	for _, t := range accepted {
		go s.resolver.Resolve(context.Background(), t.UUID)
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Status:         "success",
		AcceptedCount:  len(accepted),
		FailedCount:    len(items) - len(accepted),
		FailureSummary: failureSummary,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "true"
	timeout := maxWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && time.Duration(secs)*time.Second < maxWaitTimeout {
			timeout = time.Duration(secs) * time.Second
		}
	}

	tasks, err := s.store.All()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if wait && len(tasks) == 0 {
		s.store.Wait(timeout)
		tasks, err = s.store.All()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, tasks)
}

type tokenResponse struct {
	Token      string `json:"token"`
	ExpiresIn  int    `json:"expires_in"`
	ExpiresAt  int64  `json:"expires_at"`
	Storefront string `json:"storefront"`
	Language   string `json:"language"`
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok := s.tokens.Get(r.Context())
	expiresIn := s.tokens.ExpiresIn()
	if expiresIn < 30*60 {
		s.tokens.Invalidate()
		tok = s.tokens.Get(r.Context())
		expiresIn = s.tokens.ExpiresIn()
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:      tok,
		ExpiresIn:  expiresIn,
		ExpiresAt:  time.Now().Add(time.Duration(expiresIn) * time.Second).Unix(),
		Storefront: r.Header.Get("X-Storefront"),
	})
}

type avatarResponse struct {
	Status          string `json:"status"`
	StandardUsername string `json:"standard_username"`
	AvatarURL       string `json:"avatar_url"`
}

func (s *Server) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("username")
	canonical, cfg, err := s.users.Resolve(raw)
	if err != nil || cfg.Avatar == "" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, avatarResponse{Status: "success", StandardUsername: canonical, AvatarURL: cfg.Avatar})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	storefront := r.Header.Get("X-Storefront")
	if storefront == "" {
		storefront = "cn"
	}
	useCache := r.Header.Get("X-Use-Cache") != "false"

	params := r.URL.Query()
	key := searchcache.Key(storefront, flatten(params))

	if useCache {
		if data, ok := s.cache.Lookup(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		}
	}

	tok := s.tokens.Get(r.Context())
	body, err := s.api.Search(r.Context(), tok, storefront, params)
	if err != nil {
		if err == appleapi.ErrUnauthorized {
			s.tokens.Invalidate()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if useCache {
		if err := s.cache.Store(key, body); err != nil {
			s.logger.Warn("ingestapi: failed to store search cache entry", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"status":"error","message":"encode failure"}`)
	}
}
