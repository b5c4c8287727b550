// Package api serves the migration ledger over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// RunDetailResponse is the response body for a single run
type RunDetailResponse struct {
	*simplemigrate.Run
	// StepCounts counts the recorded steps by status
	StepCounts map[simplemigrate.StepStatus]int `json:"step_counts"`
}

// RunListResponse is the response body for the run list
type RunListResponse struct {
	Runs []*simplemigrate.Run `json:"runs"`
}

// StepListResponse is the response body for the steps of a run
type StepListResponse struct {
	RunID string                       `json:"run_id"`
	Steps []*simplemigrate.StepRecord `json:"steps"`
}

// HandlerOption configures a RunHandler.
type HandlerOption func(*RunHandler)

// WithJWTSecret requires an HS256 bearer token signed with secret.
func WithJWTSecret(secret []byte) HandlerOption {
	return func(h *RunHandler) {
		if len(secret) > 0 {
			h.tokenAuth = jwtauth.New("HS256", secret, nil)
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *RunHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// RunHandler handles HTTP requests for the migration ledger
type RunHandler struct {
	repo      simplemigrate.Repository
	tokenAuth *jwtauth.JWTAuth
	logger    *slog.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(repo simplemigrate.Repository, opts ...HandlerOption) *RunHandler {
	h := &RunHandler{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routes for runs
func (h *RunHandler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.tokenAuth != nil {
		r.Use(jwtauth.Verifier(h.tokenAuth))
		r.Use(jwtauth.Authenticator)
	}

	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)
	r.Get("/runs/{id}/steps", h.ListSteps)

	return r
}

// ListRuns lists the most recent runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err)
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*simplemigrate.Run{}
	}

	render.JSON(w, r, RunListResponse{Runs: runs})
}

// GetRun returns one run with its step counts
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	run, err := h.repo.GetRun(r.Context(), id)
	if err != nil {
		h.writeError(w, "Failed to get run", id, err)
		return
	}

	steps, err := h.repo.ListSteps(r.Context(), id, "")
	if err != nil {
		h.writeError(w, "Failed to list steps", id, err)
		return
	}
	counts := make(map[simplemigrate.StepStatus]int)
	for _, step := range steps {
		counts[step.Status]++
	}

	render.JSON(w, r, RunDetailResponse{Run: run, StepCounts: counts})
}

// ListSteps returns the steps of a run, optionally filtered by ?status=
func (h *RunHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	status := simplemigrate.StepStatus(r.URL.Query().Get("status"))
	if status != "" && !validStepStatus(status) {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}

	steps, err := h.repo.ListSteps(r.Context(), id, status)
	if err != nil {
		h.writeError(w, "Failed to list steps", id, err)
		return
	}
	if steps == nil {
		steps = []*simplemigrate.StepRecord{}
	}

	render.JSON(w, r, StepListResponse{RunID: id.String(), Steps: steps})
}

func (h *RunHandler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.logger.Error("Invalid run ID", "run_id", idStr, "error", err)
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *RunHandler) writeError(w http.ResponseWriter, msg string, id uuid.UUID, err error) {
	if errors.Is(err, simplemigrate.ErrRunNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	h.logger.Error(msg, "run_id", id, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func validStepStatus(status simplemigrate.StepStatus) bool {
	switch status {
	case simplemigrate.StepCreated, simplemigrate.StepUpdated, simplemigrate.StepSkipped,
		simplemigrate.StepFailed, simplemigrate.StepWarning, simplemigrate.StepComplete, simplemigrate.StepAborted:
		return true
	}
	return false
}
