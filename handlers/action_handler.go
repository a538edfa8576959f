package handlers

import (
	"context"
	"net/http"

	"github.com/upb/agent-guard/middleware"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/services/security"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// ActionGate defines the admission operations exposed over HTTP
type ActionGate interface {
	EvaluateJSON(ctx context.Context, principal string, body []byte) (models.Verdict, error)
	ReportUsage(ctx context.Context, report *models.UsageReport) (*security.UsageResult, error)
}

// ActionHandler handles action evaluation and usage reporting
type ActionHandler struct {
	gate   ActionGate
	logger *zap.Logger
}

// NewActionHandler creates a new ActionHandler
func NewActionHandler(gate ActionGate, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{gate: gate, logger: logger}
}

// HandleEvaluate handles POST /api/v1/actions/evaluate.
// The body is passed through raw so malformed input is audited too.
// Any decided verdict is a 200; an AuditFault is a 503 carrying the deny.
func (h *ActionHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)
	principal := middleware.GetAgentIDFromContext(ctx)

	body, err := utils.ReadBody(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, "request body too large or unreadable", nil)
		return
	}

	verdict, err := h.gate.EvaluateJSON(ctx, principal, body)
	if err != nil {
		h.logger.Error("action evaluation failed closed",
			zap.String("request_id", requestID),
			zap.String("agent_id", principal),
			zap.Error(err))
		_ = utils.WriteJSON(w, http.StatusServiceUnavailable, verdict)
		return
	}

	h.logger.Debug("action evaluated",
		zap.String("request_id", requestID),
		zap.String("agent_id", principal),
		zap.Bool("allowed", verdict.Allowed),
		zap.String("reason", verdict.Reason))
	setRetryAfter(w, verdict)
	_ = utils.WriteJSON(w, http.StatusOK, verdict)
}

// HandleUsage handles POST /api/v1/actions/usage
func (h *ActionHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetAgentIDFromContext(ctx)

	var report models.UsageReport
	if err := utils.DecodeJSON(r, &report); err != nil {
		_ = utils.WriteBadRequest(w, "invalid usage report", nil)
		return
	}
	if principal != "" {
		if report.AgentID == "" {
			report.AgentID = principal
		} else if report.AgentID != principal {
			HandleServiceError(w, services.ErrIdentityClash, h.logger)
			return
		}
	}
	if report.RequestID == "" {
		report.RequestID = middleware.GetRequestIDFromContext(ctx)
	}

	result, err := h.gate.ReportUsage(ctx, &report)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, result)
}
