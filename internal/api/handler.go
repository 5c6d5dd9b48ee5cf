package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/metrics"
	"github.com/lalithlochan/notifylab/internal/redis"
	"github.com/lalithlochan/notifylab/internal/stats"
)

const maxBodyBytes = 1 << 20

// EventQueue accepts event batches for asynchronous recording
type EventQueue interface {
	Enqueue(ctx context.Context, source string, events []experiment.EventInput) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger       *zap.Logger
	store        db.Store
	orchestrator *experiment.Orchestrator
	recorder     *experiment.EventRecorder
	stats        *stats.Aggregator
	rewardEvent  db.EventType

	idempotency *redis.IdempotencyService // nil if Redis not configured
	queue       EventQueue                // nil if SQS not configured
}

// Option configures optional handler dependencies
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key support on POST /v1/message
func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithEventQueue enables POST /v1/events/async
func WithEventQueue(q EventQueue) Option {
	return func(h *Handler) { h.queue = q }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store db.Store, orchestrator *experiment.Orchestrator, recorder *experiment.EventRecorder, aggregator *stats.Aggregator, rewardEvent db.EventType, opts ...Option) *Handler {
	h := &Handler{
		logger:       logger,
		store:        store,
		orchestrator: orchestrator,
		recorder:     recorder,
		stats:        aggregator,
		rewardEvent:  rewardEvent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the v1 endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/message", h.ResolveMessage)
	r.Post("/events", h.RecordEvents)
	r.Post("/events/async", h.EnqueueEvents)
	r.Get("/stats", h.GetStats)
	r.Get("/intents/{intent_id}/variants", h.ListVariants)
	r.Get("/experiments", h.ListExperiments)
	r.Patch("/experiments/{intent_id}/status", h.UpdateExperimentStatus)
}

// ResolveMessage handles POST /v1/message
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) ResolveMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	var req MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	req.normalize()
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", validationDetail(err))
		return
	}

	idempotencyKey := ""
	scope := idempotencyScope(r)
	if h.idempotency != nil {
		idempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if idempotencyKey != "" {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey, redis.HashRequest(body))
		switch {
		case errors.Is(err, redis.ErrInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case errors.Is(err, redis.ErrKeyReused):
			h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was already used with a different request body")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	res, err := h.orchestrator.Resolve(ctx, h.store, req.toResolve())
	if err != nil {
		if idempotencyKey != "" {
			if relErr := h.idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if errors.Is(err, experiment.ErrInvariantViolation) {
			h.logger.Error("resolution produced no decision",
				zap.Error(err),
				zap.String("intent_id", req.IntentID),
			)
			h.writeError(w, http.StatusInternalServerError, "invariant_violation", "Failed to resolve message", "")
			return
		}
		h.logger.Error("failed to resolve message",
			zap.Error(err),
			zap.String("intent_id", req.IntentID),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve message", "")
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if idempotencyKey != "" {
		cached := &redis.CachedResponse{
			StatusCode:  http.StatusOK,
			Body:        data,
			RequestHash: redis.HashRequest(body),
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, cached); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// RecordEvents handles POST /v1/events. The body is a JSON array of events.
func (h *Handler) RecordEvents(w http.ResponseWriter, r *http.Request) {
	events, ok := h.decodeEvents(w, r)
	if !ok {
		return
	}

	result, err := h.recorder.Record(r.Context(), h.store, events)
	if err != nil {
		h.logger.Error("failed to record events",
			zap.Error(err),
			zap.Int("total", len(events)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record events", "")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// EnqueueEvents handles POST /v1/events/async
func (h *Handler) EnqueueEvents(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable",
			"Asynchronous ingestion is not configured", "use POST /v1/events instead")
		return
	}

	events, ok := h.decodeEvents(w, r)
	if !ok {
		return
	}

	batchID, err := h.queue.Enqueue(r.Context(), idempotencyScope(r), events)
	if err != nil {
		h.logger.Error("failed to enqueue events",
			zap.Error(err),
			zap.Int("total", len(events)),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue events", "")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id": batchID,
		"total":    len(events),
	})
}

func (h *Handler) decodeEvents(w http.ResponseWriter, r *http.Request) ([]experiment.EventInput, bool) {
	var events []experiment.EventInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&events); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", "body must be a JSON array of events")
		return nil, false
	}
	if err := validate.Struct(eventBatch{Events: events}); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid events", validationDetail(err))
		return nil, false
	}
	return events, true
}

// GetStats handles GET /v1/stats?intent_id=xxx&date_from=...&date_to=...
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	intentID := q.Get("intent_id")
	if intentID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing intent_id", "intent_id query parameter is required")
		return
	}

	from, err := parseDate(q.Get("date_from"), false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date_from", err.Error())
		return
	}
	to, err := parseDate(q.Get("date_to"), true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date_to", err.Error())
		return
	}

	window, err := stats.Window(from, to)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date range", err.Error())
		return
	}

	result, err := h.stats.Stats(r.Context(), h.store, intentID, window)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Intent not found", "no experiment exists for intent_id "+intentID)
			return
		}
		h.logger.Error("failed to compute stats",
			zap.Error(err),
			zap.String("intent_id", intentID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListVariants handles GET /v1/intents/{intent_id}/variants?locale=xx
func (h *Handler) ListVariants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	intentID := chi.URLParam(r, "intent_id")

	exp, err := h.store.GetExperiment(ctx, intentID)
	if err != nil {
		h.writeLookupError(w, err, intentID)
		return
	}

	counts, err := h.store.VariantCounts(ctx, exp.ID, r.URL.Query().Get("locale"), h.rewardEvent)
	if err != nil {
		h.logger.Error("failed to list variants",
			zap.Error(err),
			zap.String("intent_id", intentID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list variants", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"intent_id":    intentID,
		"status":       exp.Status,
		"reward_event": h.rewardEvent,
		"variants":     summarize(counts),
	})
}

// ListExperiments handles GET /v1/experiments?limit=20&offset=0
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	experiments, err := h.store.ListExperiments(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list experiments", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list experiments", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   experiments,
		"limit":  limit,
		"offset": offset,
		"count":  len(experiments),
	})
}

// UpdateExperimentStatus handles PATCH /v1/experiments/{intent_id}/status
func (h *Handler) UpdateExperimentStatus(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "intent_id")

	var req StatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", validationDetail(err))
		return
	}

	exp, err := h.store.UpdateExperimentStatus(r.Context(), intentID, db.ExperimentStatus(req.Status))
	if err != nil {
		h.writeLookupError(w, err, intentID)
		return
	}

	h.logger.Info("experiment status updated",
		zap.String("intent_id", intentID),
		zap.String("status", string(exp.Status)),
	)

	h.writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, intentID string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Intent not found", "no experiment exists for intent_id "+intentID)
		return
	}
	h.logger.Error("experiment lookup failed",
		zap.Error(err),
		zap.String("intent_id", intentID),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load experiment", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes an RFC 7807 problem+json error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
