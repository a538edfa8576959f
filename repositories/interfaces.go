package repositories

import (
	"context"

	"github.com/upb/agent-guard/models"
)

// PolicyRepository defines operations for persisted agent policies
type PolicyRepository interface {
	// List returns every stored policy
	List(ctx context.Context) ([]*models.AgentPolicy, error)

	// Get returns the policy of one agent
	Get(ctx context.Context, agentID string) (*models.AgentPolicy, error)

	// Upsert inserts or replaces a policy
	Upsert(ctx context.Context, policy *models.AgentPolicy) error

	// Delete removes a policy
	Delete(ctx context.Context, agentID string) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Policies PolicyRepository
}
