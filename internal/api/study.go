package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/promptlab/internal/catalog"
	"github.com/kalambet/promptlab/internal/composer"
	"github.com/kalambet/promptlab/internal/identity"
	"github.com/kalambet/promptlab/internal/pipeline"
	"github.com/kalambet/promptlab/internal/progress"
	"github.com/kalambet/promptlab/internal/storage"
)

// Messages returned to participants. Model and storage failures share one
// message; the distinction is kept in logs and metrics.
const (
	msgMissingFields = "Missing required fields"
	msgGenerateFail  = "Failed to generate response"
	msgNotConfigured = "Language model not configured"
	msgInternal      = "Internal server error"
)

// Submitter runs one conversation turn. Implemented by pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// TurnReader defines the read operations the HTTP layer needs.
// Implemented by storage.Store.
type TurnReader interface {
	ListTurns(ctx context.Context, userID string, taskID int) ([]storage.Turn, error)
	ListTurnsSince(ctx context.Context, cur storage.ExportCursor, limit int) ([]storage.Turn, error)
	Ping(ctx context.Context) error
}

// StudyDeps holds dependencies for the participant-facing routes.
type StudyDeps struct {
	Pipeline  Submitter
	Turns     TurnReader
	Catalog   *catalog.Catalog
	Tracker   *progress.Tracker
	Sequencer *progress.Sequencer
	Registrar *identity.Registrar

	CORSOrigins []string
	AdminToken  string
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
	// Middleware wraps the study routes, e.g. HTTP metrics instrumentation.
	Middleware []func(http.Handler) http.Handler
}

// NewStudyHandler returns the router serving the study API.
func NewStudyHandler(deps StudyDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(Recover)
	r.Use(CORS(deps.CORSOrigins))

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		for _, mw := range deps.Middleware {
			r.Use(mw)
		}
		r.Post("/generate-response", handleGenerateResponse(deps))
		r.Post("/get-prompts", handleGetPrompts(deps))
		r.Post("/get-completed-tasks", handleGetCompletedTasks(deps))
		r.Post("/get-task", handleGetTask(deps))
		r.Post("/create-user", handleCreateUser(deps))
		r.Post("/task-page", handleTaskPage(deps))
		r.Post("/next-task", handleNextTask(deps))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(BearerAuth(deps.AdminToken))
		r.Get("/turns", handleExportTurns(deps))
	})

	return r
}

func handleHealth(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Turns.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type generateRequest struct {
	UserID              string             `json:"userID"`
	TaskID              int                `json:"taskID"`
	Prompt              string             `json:"prompt"`
	TaskDescription     string             `json:"taskDescription"`
	TaskName            string             `json:"taskName"`
	ConversationHistory []composer.Message `json:"conversationHistory"`
}

type generateResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	TurnNumber int    `json:"turnNumber"`
}

func handleGenerateResponse(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		res, err := deps.Pipeline.Submit(r.Context(), pipeline.Request{
			UserID:          req.UserID,
			TaskID:          req.TaskID,
			Prompt:          req.Prompt,
			History:         req.ConversationHistory,
			TaskName:        req.TaskName,
			TaskDescription: req.TaskDescription,
		})
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrInvalidInput):
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		case errors.Is(err, pipeline.ErrNotConfigured):
			httpError(w, http.StatusInternalServerError, msgNotConfigured)
			return
		default:
			slog.Error("generate response failed",
				"user_id", req.UserID,
				"task_id", req.TaskID,
				"upstream", errors.Is(err, pipeline.ErrUpstream),
				"persist", errors.Is(err, pipeline.ErrPersist),
				"error", err,
			)
			httpError(w, http.StatusInternalServerError, msgGenerateFail)
			return
		}

		writeJSON(w, http.StatusOK, generateResponse{
			Success:    true,
			Response:   res.ResponseText,
			TurnNumber: res.TurnNumber,
		})
	}
}

// conversationRequest is the body shared by the routes that address one
// (user, task) conversation.
type conversationRequest struct {
	UserID string `json:"userID"`
	TaskID int    `json:"taskId"`
}

func (c conversationRequest) valid() bool {
	return strings.TrimSpace(c.UserID) != "" && c.TaskID > 0
}

func handleGetPrompts(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if !req.valid() {
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		}

		turns, err := deps.Turns.ListTurns(r.Context(), req.UserID, req.TaskID)
		if err != nil {
			slog.Error("listing turns", "user_id", req.UserID, "task_id", req.TaskID, "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": turns})
	}
}

func handleGetCompletedTasks(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userID"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		}

		ids, err := deps.Tracker.Completed(r.Context(), req.UserID)
		if err != nil {
			slog.Error("completed tasks", "user_id", req.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ids})
	}
}

func handleGetTask(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID int `json:"taskId"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.TaskID <= 0 {
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		}

		task, err := deps.Catalog.Get(r.Context(), req.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "task %d not found", req.TaskID)
			return
		}
		if err != nil {
			slog.Error("get task", "task_id", req.TaskID, "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": task})
	}
}

type createUserResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleCreateUser always answers 200; the client reads success.
func handleCreateUser(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeJSON(w, http.StatusOK, createUserResponse{Error: "invalid request body"})
			return
		}

		if err := deps.Registrar.Register(r.Context(), req.ID); err != nil {
			msg := msgInternal
			switch {
			case errors.Is(err, identity.ErrInvalidID), errors.Is(err, identity.ErrAlreadyRegistered):
				msg = err.Error()
			default:
				slog.Error("create user", "error", err)
			}
			writeJSON(w, http.StatusOK, createUserResponse{Error: msg})
			return
		}
		writeJSON(w, http.StatusOK, createUserResponse{Success: true})
	}
}

type taskPageResponse struct {
	Task           storage.Task   `json:"task"`
	Turns          []storage.Turn `json:"turns"`
	CompletedTasks []int          `json:"completedTasks"`
	CanAccess      bool           `json:"canAccess"`
	TaskCount      int            `json:"taskCount"`
}

// handleTaskPage returns everything the task page renders in one round trip.
// The three reads run concurrently.
func handleTaskPage(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if !req.valid() {
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		}

		var resp taskPageResponse
		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			t, err := deps.Catalog.Get(ctx, req.TaskID)
			resp.Task = t
			return err
		})
		g.Go(func() error {
			turns, err := deps.Turns.ListTurns(ctx, req.UserID, req.TaskID)
			resp.Turns = turns
			return err
		})
		g.Go(func() error {
			ids, err := deps.Tracker.Completed(ctx, req.UserID)
			resp.CompletedTasks = ids
			return err
		})
		if err := g.Wait(); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "task %d not found", req.TaskID)
				return
			}
			slog.Error("task page", "user_id", req.UserID, "task_id", req.TaskID, "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		resp.CanAccess = deps.Sequencer.CanAccess(resp.CompletedTasks, req.TaskID)
		resp.TaskCount = deps.Sequencer.TaskCount()
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleNextTask(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if !req.valid() {
			httpError(w, http.StatusBadRequest, msgMissingFields)
			return
		}

		completed, err := deps.Tracker.Completed(r.Context(), req.UserID)
		if err != nil {
			slog.Error("next task", "user_id", req.UserID, "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		next, err := deps.Sequencer.Next(completed, req.TaskID)
		if errors.Is(err, progress.ErrGated) {
			httpError(w, http.StatusForbidden, "Submit at least one prompt before moving on")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		if next.Complete {
			writeJSON(w, http.StatusOK, map[string]bool{"complete": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"next": next.Task})
	}
}

// handleExportTurns pages through all turns. The next page starts after the
// last row returned: pass its created_at as since and its id as after_id.
func handleExportTurns(deps StudyDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cur storage.ExportCursor
		if s := r.URL.Query().Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
				return
			}
			cur.CreatedAt = t
		}
		cur.ID = r.URL.Query().Get("after_id")
		limit := parseIntParam(r, "limit", 500, 5000)
		if limit == 0 {
			limit = 500
		}

		turns, err := deps.Turns.ListTurnsSince(r.Context(), cur, limit)
		if err != nil {
			slog.Error("export turns", "error", err)
			httpError(w, http.StatusInternalServerError, msgInternal)
			return
		}
		writeJSON(w, http.StatusOK, turns)
	}
}
