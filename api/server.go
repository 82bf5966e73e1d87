package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/protocol"
	"github.com/wricardo/livetest/live/results"
	"github.com/wricardo/livetest/live/service"
	"github.com/wricardo/livetest/live/session"
	"github.com/wricardo/livetest/transport/websocket"
)

// Headers set by the upstream auth layer.
const (
	HeaderUser = "X-Auth-User"
	HeaderRole = "X-Auth-Role"
	HeaderName = "X-Auth-Name"
)

// Server represents the REST API server
type Server struct {
	service service.LiveService
	ws      *websocket.Endpoint
	router  *mux.Router
	logger  *slog.Logger
}

// NewServer creates a new API server. ws may be nil to serve REST only.
func NewServer(svc service.LiveService, ws *websocket.Endpoint, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: svc,
		ws:      ws,
		router:  mux.NewRouter(),
		logger:  logger.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.logRequests)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Sessions
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{code}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{code}", s.handleDeleteSession).Methods("DELETE")

	// Question sets
	api.HandleFunc("/tests", s.handleListTests).Methods("GET")
	api.HandleFunc("/tests", s.handleSaveTest).Methods("POST")
	api.HandleFunc("/tests/refresh", s.handleRefreshTests).Methods("POST")
	api.HandleFunc("/tests/{id}", s.handleGetTest).Methods("GET")

	// Results
	api.HandleFunc("/results", s.handleListResults).Methods("GET")
	api.HandleFunc("/results/{id}", s.handleGetResult).Methods("GET")

	if s.ws != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
}

// Handle mounts an extra handler, such as the MCP endpoint, on the router.
func (s *Server) Handle(path string, h http.Handler) *mux.Route {
	return s.router.Handle(path, h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps service and domain errors to status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, content.ErrTestNotFound),
		errors.Is(err, results.ErrResultNotFound),
		errors.Is(err, service.ErrResultsUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, content.ErrInvalidTest),
		errors.Is(err, service.ErrInvalidContent),
		errors.Is(err, service.ErrInvalidListOptions):
		status = http.StatusBadRequest
	}
	respondError(w, status, err.Error())
}

// principalFromRequest reads the caller established by the upstream auth
// layer. Requests without headers are anonymous students.
func principalFromRequest(r *http.Request) service.Principal {
	role := protocol.RoleStudent
	if strings.EqualFold(r.Header.Get(HeaderRole), string(protocol.RoleTeacher)) {
		role = protocol.RoleTeacher
	}
	return service.Principal{
		Identity:    strings.TrimSpace(r.Header.Get(HeaderUser)),
		DisplayName: strings.TrimSpace(r.Header.Get(HeaderName)),
		Role:        role,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Health(r.Context()))
}

// Session Handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := service.ListOptions{
		Status: engine.Status(query.Get("status")),
		Sort:   query.Get("sort"),
		Order:  query.Get("order"),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = l
	}
	switch opts.Status {
	case "", engine.StatusLobby, engine.StatusInProgress, engine.StatusPaused, engine.StatusCompleted:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", opts.Status))
		return
	}

	sessions, err := s.service.ListSessions(r.Context(), opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleCreateSession creates a session owned by the caller. The owner then
// attaches with resume_session over /ws.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSession
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := s.service.CreateSession(r.Context(), principalFromRequest(r), &req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sess.Summary())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	snap, err := s.service.GetSession(r.Context(), code)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	if err := s.service.ReapSession(r.Context(), code); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Session %s removed", session.NormalizeCode(code)),
	})
}

// Question Set Handlers

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.service.ListTests(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, tests)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		id = strings.TrimSuffix(id, ext)
	}

	test, err := s.service.LoadTest(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, test)
}

func (s *Server) handleSaveTest(w http.ResponseWriter, r *http.Request) {
	if !principalFromRequest(r).IsTeacher() {
		respondError(w, http.StatusForbidden, "only teachers can save tests")
		return
	}

	var test content.Test
	if err := json.NewDecoder(r.Body).Decode(&test); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.service.SaveTest(r.Context(), test.ID, &test); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Test saved successfully",
		"test_id": test.ID,
	})
}

func (s *Server) handleRefreshTests(w http.ResponseWriter, r *http.Request) {
	if !principalFromRequest(r).IsTeacher() {
		respondError(w, http.StatusForbidden, "only teachers can refresh tests")
		return
	}

	if err := s.service.RefreshTests(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Test cache refreshed",
	})
}

// Result Handlers

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListResults(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"results": records,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := s.service.LoadResult(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ws.ServeWS(w, r, principalFromRequest(r))
}
