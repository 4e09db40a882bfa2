// Package ipc exposes the store over a localhost JSON boundary for the
// capture pipeline and the viewer UI. The wire shapes are a closed set of
// typed request/response structs; the core store API stays strongly typed
// underneath.
package ipc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lucarne/screenstore"
	"github.com/hazyhaar/lucarne/vault"
)

// maxBody caps request bodies. Screenshots arrive base64-encoded inline, so
// the cap is generous.
const maxBody = 64 << 20

// Service serves the IPC endpoints for one store.
type Service struct {
	store  *screenstore.Store
	logger *slog.Logger
}

// NewService wires the handlers to a store. A nil logger falls back to
// slog.Default.
func NewService(store *screenstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// RegisterHTTP mounts every endpoint on the router.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Post("/api/v1/records/stage", s.handleStage)
	r.Post("/api/v1/records/{id}/commit", s.handleCommit)
	r.Post("/api/v1/records/{id}/abort", s.handleAbort)
	r.Get("/api/v1/records/exists/{hash}", s.handleExists)
	r.Get("/api/v1/records/{id}", s.handleGetRecord)
	r.Get("/api/v1/records/{id}/annotations", s.handleGetAnnotations)
	r.Get("/api/v1/records", s.handleTimeRange)
	r.Delete("/api/v1/records/{id}", s.handleDelete)
	r.Post("/api/v1/records/delete-range", s.handleDeleteRange)

	r.Post("/api/v1/search", s.handleSearch)
	r.Post("/api/v1/links/score", s.handleScoreLinks)
	r.Get("/api/v1/processes", s.handleProcesses)
	r.Get("/api/v1/stats", s.handleStats)
}

// Handler returns a ready-to-serve router with the body cap applied.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(limitBody)
	s.RegisterHTTP(r)
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// fail maps store errors onto HTTP statuses and logs the server-side ones.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, screenstore.ErrNotFound):
		http.Error(w, "Record not found", http.StatusNotFound)
	case errors.Is(err, screenstore.ErrNotPending):
		http.Error(w, "Record is not pending", http.StatusConflict)
	case errors.Is(err, screenstore.ErrMigrationRunning):
		http.Error(w, "Data root migration in progress", http.StatusConflict)
	case errors.Is(err, vault.ErrAuthDeclined):
		http.Error(w, "Authentication declined", http.StatusForbidden)
	default:
		s.logger.Error("ipc: request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}
