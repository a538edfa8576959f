package handlers

import (
	"context"
	"net/http"

	"github.com/upb/agent-guard/middleware"
	"github.com/upb/agent-guard/services/inference"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// InferenceService defines the interface for guarded inference
type InferenceService interface {
	Invoke(ctx context.Context, principal string, body []byte) (*inference.CompletionResponse, error)
}

// InferenceHandler handles inference requests
type InferenceHandler struct {
	service InferenceService
	logger  *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service InferenceService, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{service: service, logger: logger}
}

// HandleInvoke handles POST /api/v1/inference. A denied action is answered
// with the status of the stage that denied it and the verdict as body.
func (h *InferenceHandler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	body, err := utils.ReadBody(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, "request body too large or unreadable", nil)
		return
	}

	result, err := h.service.Invoke(ctx, middleware.GetAgentIDFromContext(ctx), body)
	if err != nil {
		h.logger.Warn("inference failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		if result != nil && !result.Verdict.Allowed {
			setRetryAfter(w, result.Verdict)
			_ = utils.WriteJSON(w, VerdictStatus(result.Verdict), result)
			return
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	setRetryAfter(w, result.Verdict)
	_ = utils.WriteJSON(w, VerdictStatus(result.Verdict), result)
}
