// Package httpapi exposes the pipeline over plain HTTP for local
// development.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"zela-agent/internal/domain"
	"zela-agent/internal/usecase"
)

const maxBodyBytes = 64 << 10

type Processor interface {
	Submit(ctx context.Context, in usecase.SubmitInput) (string, error)
	Lookup(ctx context.Context, id string) (domain.QueuedMessage, error)
	Drain(ctx context.Context, limit int) (int, error)
	Maintain(ctx context.Context) (usecase.MaintenanceReport, error)
	Stats(ctx context.Context, userID string, windowDays int) (usecase.StatsOutput, error)
}

// Handler serves the message, stats and maintenance endpoints.
type Handler struct {
	proc   Processor
	logger *slog.Logger
}

func NewHandler(p Processor, logger *slog.Logger) (*Handler, error) {
	if p == nil {
		return nil, errors.New("httpapi: processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{proc: p, logger: logger}, nil
}

// Router returns a chi router with the standard middleware and every
// route registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.PostMessage)
		r.Get("/{id}", h.GetMessage)
	})
	r.Get("/stats", h.GetStats)
	r.Post("/drain", h.PostDrain)
	r.Post("/maintenance", h.PostMaintenance)
}

type messageRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type messageView struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// PostMessage enqueues a message. Processing happens in the background.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json")
		return
	}
	id, err := h.proc.Submit(r.Context(), usecase.SubmitInput{UserID: req.UserID, Text: req.Text})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"messageId": id})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.proc.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, messageView{
		ID:         msg.ID,
		UserID:     msg.UserID,
		Status:     string(msg.Status),
		Attempts:   msg.Attempts,
		EnqueuedAt: msg.EnqueuedAt.UTC(),
		Result:     msg.Result,
		Error:      msg.Error,
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	days, ok := positiveQueryInt(r, "days")
	if !ok {
		Error(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_days")
		return
	}
	out, err := h.proc.Stats(r.Context(), r.URL.Query().Get("userId"), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) PostDrain(w http.ResponseWriter, r *http.Request) {
	limit, ok := positiveQueryInt(r, "limit")
	if !ok {
		Error(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_limit")
		return
	}
	n, err := h.proc.Drain(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) PostMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.proc.Maintain(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, status := usecase.Describe(err)
	reason := ""
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	h.logger.Warn("request failed", "path", r.URL.Path, "request_id", chiMiddleware.GetReqID(r.Context()), "code", code, "err", err)
	Error(w, status, string(code), reason)
}

// positiveQueryInt reads an optional positive integer parameter. A missing
// parameter is 0.
func positiveQueryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, reason string) {
	body := map[string]string{"error": code}
	if reason != "" {
		body["reason"] = reason
	}
	JSON(w, status, body)
}
