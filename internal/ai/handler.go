package ai

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/generator"
)

const maxCandidates = 10

// Handler exposes LLM candidate previews over HTTP. Nothing it returns is
// stored or tracked.
type Handler struct {
	variants *VariantGenerator
	logger   *zap.Logger
}

// NewHandler creates a new AI HTTP handler.
func NewHandler(variants *VariantGenerator, logger *zap.Logger) *Handler {
	return &Handler{
		variants: variants,
		logger:   logger,
	}
}

// CandidatesRequest is the body of a preview request
type CandidatesRequest struct {
	Locale      string            `json:"locale"`
	Context     map[string]string `json:"context"`
	BaseMessage string            `json:"base_message"`
	Count       int               `json:"count"`
}

// CandidatesResponse lists generated texts
type CandidatesResponse struct {
	IntentID   string   `json:"intent_id"`
	Candidates []string `json:"candidates"`
}

// HandleCandidates handles POST /v1/intents/{intent_id}/candidates
//
// Request body:
//
//	{
//	    "base_message": "You left something in your cart",
//	    "locale": "en-US",
//	    "context": {"product": "sneakers"},
//	    "count": 3
//	}
func (h *Handler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "intent_id")

	var req CandidatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.BaseMessage == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "Missing base_message", "base_message field is required")
		return
	}
	if req.Count == 0 {
		req.Count = 3
	}
	if req.Count < 1 || req.Count > maxCandidates {
		writeErr(w, http.StatusBadRequest, "invalid_request", "Invalid count", "count must be between 1 and 10")
		return
	}

	candidates, err := h.variants.GenerateVariants(r.Context(), generator.Request{
		IntentID:    intentID,
		Locale:      req.Locale,
		Context:     req.Context,
		BaseMessage: req.BaseMessage,
	}, req.Count)
	if err != nil {
		h.logger.Error("candidate generation failed",
			zap.Error(err),
			zap.String("intent_id", intentID),
		)
		writeErr(w, http.StatusBadGateway, "generator_error", "Candidate generation failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CandidatesResponse{
		IntentID:   intentID,
		Candidates: candidates,
	})
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
