package inference

import (
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services/providers"
	"github.com/upb/agent-guard/services/security"
)

// CompletionResponse is the outcome of one guarded inference call
type CompletionResponse struct {
	// ID identifies this call in logs
	ID        uuid.UUID `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id"`

	// Verdict is always set; the backend is reached only when it allows
	Verdict models.Verdict `json:"verdict"`

	// Response and Usage are set once the backend was called
	Response *providers.Response   `json:"response,omitempty"`
	Usage    *security.UsageResult `json:"usage,omitempty"`

	LatencyMs   int64     `json:"latency_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Reached reports whether the backend returned a response
func (r *CompletionResponse) Reached() bool {
	return r.Response != nil
}
