package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/schema"
	"github.com/systemshift/graphdiff/internal/server/graph"
	"github.com/systemshift/graphdiff/internal/version"
)

// Server holds the HTTP server dependencies
type Server struct {
	repo          graph.Repository
	registry      *schema.Registry
	builder       *diff.Builder
	defaultBranch string
	logger        *slog.Logger
}

// New creates a new API server
func New(repo graph.Repository, registry *schema.Registry, defaultBranch string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:          repo,
		registry:      registry,
		builder:       diff.NewBuilder(repo, repo, registry, diff.WithLogger(logger)),
		defaultBranch: defaultBranch,
		logger:        logger,
	}
}

// Mount registers the health check and the /api routes on r
func (s *Server) Mount(r chi.Router) {
	r.Get("/health", s.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", s.Version)
		r.Route("/diff", func(r chi.Router) {
			r.Get("/data", s.DiffData)
			r.Get("/schema", s.DiffSchema)
			r.Get("/artifacts", s.DiffArtifacts)
			r.Get("/conflicts", s.DiffConflicts)
		})
		r.Get("/branches", s.ListBranches)
		r.Post("/branches", s.CreateBranch)
		r.Post("/changes", s.RecordChanges)
	})
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Version handles GET /api/version
func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// DiffData handles GET /api/diff/data
// Supports query params: ?branch=, ?time_from=RFC3339, ?time_to=RFC3339, ?branch_only=bool
func (s *Server) DiffData(w http.ResponseWriter, r *http.Request) {
	win, err := s.parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// user kinds only; the internal schema kinds have their own endpoint
	kinds := s.registry.UserKinds(win.Branch)
	if len(kinds) == 0 {
		// an empty filter would report every kind
		if _, err := s.repo.GetBranch(r.Context(), win.Branch); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, diff.EmptyPayload())
		return
	}

	payload, err := s.builder.Build(r.Context(), win, kinds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// DiffSchema handles GET /api/diff/schema
func (s *Server) DiffSchema(w http.ResponseWriter, r *http.Request) {
	win, err := s.parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := s.builder.Build(r.Context(), win, schema.SchemaKinds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// DiffArtifacts handles GET /api/diff/artifacts
func (s *Server) DiffArtifacts(w http.ResponseWriter, r *http.Request) {
	win, err := s.parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := s.builder.Build(r.Context(), win, []string{diff.KindArtifact})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	artifacts := diff.Artifacts(payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"diffs": artifacts,
		"count": len(artifacts),
	})
}

// DiffConflicts handles GET /api/diff/conflicts
func (s *Server) DiffConflicts(w http.ResponseWriter, r *http.Request) {
	win, err := s.parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conflicts, err := s.repo.Conflicts(r.Context(), win)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []diff.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ListBranches handles GET /api/branches
func (s *Server) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.repo.ListBranches(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"branches": branches,
		"count":    len(branches),
	})
}

// CreateBranchRequest is the request body for creating a branch
type CreateBranchRequest struct {
	Name      string     `json:"name"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// CreateBranch handles POST /api/branches
func (s *Server) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req CreateBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	var at time.Time
	if req.CreatedAt != nil {
		at = *req.CreatedAt
	}
	branch, err := s.repo.CreateBranch(r.Context(), req.Name, at)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

// RecordChangesResponse is the response for recording a change set
type RecordChangesResponse struct {
	Branch        string    `json:"branch"`
	At            time.Time `json:"at"`
	Nodes         int       `json:"nodes"`
	Relationships int       `json:"relationships"`
}

// RecordChanges handles POST /api/changes
func (s *Server) RecordChanges(w http.ResponseWriter, r *http.Request) {
	var cs graph.ChangeSet
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cs.Branch == "" {
		cs.Branch = s.defaultBranch
	}

	if err := s.repo.RecordChangeSet(r.Context(), &cs); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordChangesResponse{
		Branch:        cs.Branch,
		At:            cs.At,
		Nodes:         len(cs.Nodes),
		Relationships: len(cs.Relationships),
	})
}

// parseWindow reads the diff window from the query string. The branch
// defaults to the default branch and branch_only to true.
func (s *Server) parseWindow(r *http.Request) (diff.Window, error) {
	query := r.URL.Query()
	win := diff.Window{
		Branch:     query.Get("branch"),
		BranchOnly: true,
	}
	if win.Branch == "" {
		win.Branch = s.defaultBranch
	}

	if v := query.Get("time_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return win, errors.New("invalid time_from parameter (use RFC3339 format)")
		}
		win.From = t
	}
	if v := query.Get("time_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return win, errors.New("invalid time_to parameter (use RFC3339 format)")
		}
		win.To = t
	}
	if !win.From.IsZero() && !win.To.IsZero() && win.To.Before(win.From) {
		return win, errors.New("time_to is before time_from")
	}

	if v := query.Get("branch_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return win, errors.New("invalid branch_only parameter")
		}
		win.BranchOnly = b
	}
	return win, nil
}

// fail maps store and engine errors to a status code
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrBranchNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrBranchExists):
		return http.StatusConflict
	case errors.Is(err, graph.ErrInvalidChangeSet), errors.Is(err, diff.ErrMissingBranch):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
