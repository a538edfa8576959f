package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/upb/agent-guard/services/policy"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// Checker reports the health of one backing service
type Checker func(ctx context.Context) error

// PolicyStats reports the active policy catalog
type PolicyStats interface {
	Stats() policy.Stats
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Policies policy.Stats      `json:"policies"`
	Checks   map[string]string `json:"checks"`
}

// HealthHandler reports readiness. With no policies loaded every agent is
// denied, so the gateway reports itself not ready.
type HealthHandler struct {
	version  string
	policies PolicyStats
	checks   map[string]Checker
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(version string, policies PolicyStats, checks map[string]Checker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{version: version, policies: policies, checks: checks, logger: logger}
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Policies: h.policies.Stats(),
		Checks:   make(map[string]string, len(h.checks)+1),
	}

	if resp.Policies.Agents == 0 {
		resp.Status = "not_ready"
		resp.Checks["policies"] = "empty"
	} else {
		resp.Checks["policies"] = "loaded"
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Status = "not_ready"
			resp.Checks[name] = "unhealthy"
			h.logger.Error("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "healthy"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	_ = utils.WriteJSON(w, status, resp)
}
