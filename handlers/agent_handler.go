package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services/security"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// PolicyCatalog defines the policy catalog operations exposed over HTTP
type PolicyCatalog interface {
	List() []*models.AgentPolicy
	Upsert(ctx context.Context, policy *models.AgentPolicy) error
	Remove(ctx context.Context, agentID string) error
}

// Overseer defines the reporting and reload operations of the security middleware
type Overseer interface {
	AgentStats(ctx context.Context, agentID string) (*security.AgentStats, error)
	SecuritySummary(ctx context.Context, days int) (*security.Summary, error)
	Reload(ctx context.Context) error
	ResetAgent(ctx context.Context, agentID string) error
}

// AgentHandler serves agent listings, stats and policy administration
type AgentHandler struct {
	policies PolicyCatalog
	overseer Overseer
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(policies PolicyCatalog, overseer Overseer, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{policies: policies, overseer: overseer, logger: logger}
}

// HandleList handles GET /api/v1/agents
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	policies := h.policies.List()
	if policies == nil {
		policies = []*models.AgentPolicy{}
	}
	_ = utils.WriteOK(w, policies)
}

// HandleStats handles GET /api/v1/agents/{agentID}/stats
func (h *AgentHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.overseer.AgentStats(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, stats)
}

// HandleSummary handles GET /api/v1/security/summary?days=
func (h *AgentHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	days, err := parsePositive(r.URL.Query().Get("days"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "invalid days", nil)
		return
	}
	summary, err := h.overseer.SecuritySummary(r.Context(), days)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, summary)
}

// HandleReload handles POST /api/v1/admin/policies/reload
func (h *AgentHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.overseer.Reload(r.Context()); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: "policies reloaded"})
}

// HandleUpsert handles PUT /api/v1/admin/policies/{agentID}
func (h *AgentHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var policy models.AgentPolicy
	if err := utils.DecodeJSON(r, &policy); err != nil {
		_ = utils.WriteBadRequest(w, "invalid policy body", nil)
		return
	}
	if policy.AgentID == "" {
		policy.AgentID = agentID
	}
	if policy.AgentID != agentID {
		_ = utils.WriteBadRequest(w, "agent_id does not match path", nil)
		return
	}

	if err := h.policies.Upsert(r.Context(), &policy); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("policy saved via admin api", zap.String("agent_id", agentID))
	_ = utils.WriteOK(w, &policy)
}

// HandleRemove handles DELETE /api/v1/admin/policies/{agentID}
func (h *AgentHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.policies.Remove(r.Context(), agentID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("policy removed via admin api", zap.String("agent_id", agentID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleReset handles POST /api/v1/admin/agents/{agentID}/reset
func (h *AgentHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.overseer.ResetAgent(r.Context(), agentID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("rate windows reset via admin api", zap.String("agent_id", agentID))
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse{Message: "rate windows reset"})
}
