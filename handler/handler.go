package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"zela-agent/internal/usecase"
)

const (
	defaultDrainBatch       = 5
	defaultMaintenanceBatch = 50
	correlationHeader       = "X-Correlation-Id"
)

type Processor interface {
	Submit(ctx context.Context, in usecase.SubmitInput) (string, error)
	Drain(ctx context.Context, limit int) (int, error)
	Maintain(ctx context.Context) (usecase.MaintenanceReport, error)
	Stats(ctx context.Context, userID string, windowDays int) (usecase.StatsOutput, error)
}

type Handler struct {
	proc             Processor
	drainBatch       int
	maintenanceBatch int
	logger           *slog.Logger
}

type Option func(*Handler)

// WithDrainBatch sets how many queued messages an ingest call processes
// after enqueueing. Zero only enqueues.
func WithDrainBatch(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.drainBatch = n
		}
	}
}

func WithMaintenanceBatch(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maintenanceBatch = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(p Processor, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	h := &Handler{
		proc:             p,
		drainBatch:       defaultDrainBatch,
		maintenanceBatch: defaultMaintenanceBatch,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type messageRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type messageResponse struct {
	MessageID string `json:"messageId"`
	Processed int    `json:"processed"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle serves the API Gateway routes: POST /messages and GET /stats.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	logger := h.logger.With("correlation_id", corrID, "method", event.HTTPMethod, "path", event.Path)

	route := strings.TrimSuffix(event.Path, "/")
	switch {
	case route == "/messages" && event.HTTPMethod == http.MethodPost:
		return h.postMessage(ctx, logger, corrID, event.Body)
	case route == "/stats" && event.HTTPMethod == http.MethodGet:
		return h.getStats(ctx, logger, corrID, event.QueryStringParameters)
	case route == "/messages" || route == "/stats":
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	default:
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) postMessage(ctx context.Context, logger *slog.Logger, corrID, body string) (events.APIGatewayProxyResponse, error) {
	var req messageRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"}), nil
	}
	id, err := h.proc.Submit(ctx, usecase.SubmitInput{UserID: req.UserID, Text: req.Text})
	if err != nil {
		return errorJSON(logger, corrID, err), nil
	}

	processed := 0
	if h.drainBatch > 0 {
		// The message is durable once enqueued; a failed drain leaves it
		// for the next invocation or the scheduled run.
		if processed, err = h.proc.Drain(ctx, h.drainBatch); err != nil {
			logger.Warn("drain after submit failed", "message_id", id, "err", err)
		}
	}
	logger.Info("message accepted", "message_id", id, "processed", processed)
	return jsonResponse(http.StatusAccepted, corrID, messageResponse{MessageID: id, Processed: processed}), nil
}

func (h *Handler) getStats(ctx context.Context, logger *slog.Logger, corrID string, query map[string]string) (events.APIGatewayProxyResponse, error) {
	days := 0
	if raw := strings.TrimSpace(query["days"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_days"}), nil
		}
		days = n
	}
	out, err := h.proc.Stats(ctx, query["userId"], days)
	if err != nil {
		return errorJSON(logger, corrID, err), nil
	}
	return jsonResponse(http.StatusOK, corrID, out), nil
}

type ScheduledResult struct {
	Processed   int                       `json:"processed"`
	Maintenance usecase.MaintenanceReport `json:"maintenance"`
}

// HandleScheduled drains the queue and runs every sweep. It is invoked by
// a scheduled CloudWatch event.
func (h *Handler) HandleScheduled(ctx context.Context, event events.CloudWatchEvent) (ScheduledResult, error) {
	logger := h.logger.With("event_id", event.ID, "source", event.Source)

	var res ScheduledResult
	var errs []error
	n, err := h.proc.Drain(ctx, h.maintenanceBatch)
	res.Processed = n
	if err != nil {
		logger.Error("scheduled drain failed", "processed", n, "err", err)
		errs = append(errs, err)
	}
	report, err := h.proc.Maintain(ctx)
	res.Maintenance = report
	if err != nil {
		logger.Error("maintenance failed", "err", err)
		errs = append(errs, err)
	}
	logger.Info("scheduled run finished", "processed", res.Processed,
		"requeued", report.Requeued, "queue_swept", report.QueueItems, "metrics_purged", report.Metrics)
	return res, errors.Join(errs...)
}

func errorJSON(logger *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	code, status := usecase.Describe(err)
	resp := errorResponse{Error: string(code)}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp.Reason = ue.Reason
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "err", err)
	} else {
		logger.Warn("request rejected", "code", code, "err", err)
	}
	return jsonResponse(status, corrID, resp)
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
