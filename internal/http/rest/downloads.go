package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/downloadmanager/internal/coordinator"
	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/notify"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// ActionHandler runs notification actions.
type ActionHandler interface {
	HandleAction(ctx context.Context, requestID string, action notify.Action) error
}

type submitRequest struct {
	Link        string `json:"link"`
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type taskResponse struct {
	Link            string    `json:"link"`
	RequestID       string    `json:"request_id"`
	Kind            task.Kind `json:"kind"`
	Name            string    `json:"name,omitempty"`
	State           string    `json:"state"`
	Progress        float64   `json:"progress"`
	Description     string    `json:"description,omitempty"`
	Destination     string    `json:"destination"`
	TotalBytes      *int64    `json:"total_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newTaskResponse(t *task.Task) taskResponse {
	return taskResponse{
		Link:            t.Link,
		RequestID:       t.RequestID,
		Kind:            t.Kind,
		Name:            t.Name,
		State:           string(t.State),
		Progress:        t.Progress,
		Description:     t.Description,
		Destination:     t.Destination,
		TotalBytes:      t.TotalBytes,
		DownloadedBytes: t.DownloadedBytes,
		Error:           t.ErrorMessage,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// DownloadsHandler serves the download management API.
type DownloadsHandler struct {
	downloads   Downloads
	actions     ActionHandler
	downloadDir string
}

// NewDownloadsHandler creates the API handler. downloadDir is used when a
// submission names no destination.
func NewDownloadsHandler(downloads Downloads, actions ActionHandler, downloadDir string) *DownloadsHandler {
	return &DownloadsHandler{
		downloads:   downloads,
		actions:     actions,
		downloadDir: downloadDir,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/", h.handleSubmit)
		r.Get("/", h.handleList)
		r.Get("/{requestID}", h.handleGet)
		r.Delete("/{requestID}", h.handleRemove)
		r.Post("/{requestID}/{command}", h.handleCommand)
	})

	r.Post("/api/notifications/{requestID}/actions/{action}", h.handleAction)

	return r
}

func (h *DownloadsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.Link == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "link is required"})

		return
	}

	kind, err := task.ParseKind(req.Kind, req.Link)
	if err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	dest := req.Destination
	if dest == "" {
		dest = h.downloadDir
	}

	requestID, err := h.downloads.Submit(ctx, req.Link, kind, dest)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, submitResponse{RequestID: requestID})
}

func (h *DownloadsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := h.downloads.List(ctx)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}

	writeJSON(ctx, w, http.StatusOK, out)
}

func (h *DownloadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := h.downloads.Get(ctx, chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, newTaskResponse(t))
}

func (h *DownloadsHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.downloads.Remove(ctx, chi.URLParam(r, "requestID")); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var cmd func(context.Context, string) error

	switch chi.URLParam(r, "command") {
	case "pause":
		cmd = h.downloads.Pause
	case "resume":
		cmd = h.downloads.Resume
	case "cancel":
		cmd = h.downloads.Cancel
	case "retry":
		cmd = h.downloads.Retry
	default:
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "unknown command"})

		return
	}

	if err := cmd(ctx, requestID); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	action, err := notify.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	if err := h.actions.HandleAction(ctx, chi.URLParam(r, "requestID"), action); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	var (
		linkErr       *transfer.InvalidLinkError
		transitionErr *task.TransitionError
	)

	switch {
	case errors.Is(err, coordinator.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.As(err, &linkErr), errors.Is(err, notify.ErrUnknownAction), errors.Is(err, coordinator.ErrNoEngine):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrDestinationInvalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transitionErr), errors.Is(err, coordinator.ErrTaskActive):
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
