package taskapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskpilot/platform/internal/platform/auth"
	"github.com/taskpilot/platform/internal/platform/metrics"
)

// Handler exposes the task mutation API. Requests authenticate either with a
// user bearer token or, for internal callers such as the recurrence spawner,
// with the shared service token plus an X-User-ID header naming the user the
// call acts for.
type Handler struct {
	Service      *Service
	Verifier     auth.Verifier
	ServiceToken string
	Ready        func(ctx context.Context) error
}

func NewHandler(service *Service, verifier auth.Verifier, serviceToken string) *Handler {
	return &Handler{Service: service, Verifier: verifier, ServiceToken: serviceToken}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", h.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		metrics.DefaultHandler().ServeHTTP(w, req)
	})

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Patch("/api/v1/tasks/{taskID}", h.handleUpdateTask)
		authR.Post("/api/v1/tasks/{taskID}/complete", h.handleCompleteTask)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDeleteTask)
		authR.Post("/api/v1/tasks/{taskID}/reminder", h.handleCreateReminder)
		authR.Delete("/api/v1/tasks/{taskID}/reminder", h.handleCancelReminder)
		authR.Post("/api/v1/ai/tool-calls", h.handleToolCall)
	})

	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	task, err := h.Service.CreateTask(r.Context(), userFromContext(r.Context()), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrInvalidRule):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.GetTask(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	task, err := h.Service.UpdateTask(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"), req)
	if err != nil {
		if errors.Is(err, ErrTitleRequired) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.CompleteTask(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteTask(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createReminderRequest struct {
	TriggerAt time.Time `json:"trigger_at"`
}

func (h *Handler) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	reminder, err := h.Service.CreateReminder(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"), req.TriggerAt)
	if err != nil {
		if errors.Is(err, ErrInvalidTriggerAt) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, reminder)
}

func (h *Handler) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.Service.CancelReminder(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, ErrNoPendingReminder) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeTaskError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reminder)
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Service.RecordToolCall(r.Context(), userFromContext(r.Context()), req); err != nil {
		if errors.Is(err, ErrToolNameRequired) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handler) writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

type userContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.authenticate(r)
		if !ok {
			h.writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, userID)))
	})
}

func (h *Handler) authenticate(r *http.Request) (string, bool) {
	if token := r.Header.Get("X-Service-Token"); token != "" && h.ServiceToken != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.ServiceToken)) != 1 {
			return "", false
		}
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		return userID, userID != ""
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", false
	}
	claims, err := h.Verifier.Parse(token)
	if err != nil {
		return "", false
	}
	return claims.Subject, claims.Subject != ""
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
