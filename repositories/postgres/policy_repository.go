package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/repositories"
	"go.uber.org/zap"
)

const policyColumns = `agent_id, description, allowed_models, allowed_actions, allowed_tools, denied_tools,
		max_tokens, requests_per_minute, tokens_per_hour, sandbox_mode, sandbox_scope, updated_at`

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// List retrieves all policies ordered by agent id
func (r *PolicyRepository) List(ctx context.Context) ([]*models.AgentPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM agent_policies ORDER BY agent_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.AgentPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}

	return policies, nil
}

// Get retrieves one agent's policy
func (r *PolicyRepository) Get(ctx context.Context, agentID string) (*models.AgentPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM agent_policies WHERE agent_id = $1`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy not found: %s", agentID)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// Upsert inserts or replaces a policy
func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.AgentPolicy) error {
	query := `
		INSERT INTO agent_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (agent_id) DO UPDATE SET
			description = EXCLUDED.description,
			allowed_models = EXCLUDED.allowed_models,
			allowed_actions = EXCLUDED.allowed_actions,
			allowed_tools = EXCLUDED.allowed_tools,
			denied_tools = EXCLUDED.denied_tools,
			max_tokens = EXCLUDED.max_tokens,
			requests_per_minute = EXCLUDED.requests_per_minute,
			tokens_per_hour = EXCLUDED.tokens_per_hour,
			sandbox_mode = EXCLUDED.sandbox_mode,
			sandbox_scope = EXCLUDED.sandbox_scope,
			updated_at = EXCLUDED.updated_at
	`

	updatedAt := policy.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		policy.AgentID,
		policy.Description,
		pq.Array(policy.AllowedModels),
		pq.Array(policy.AllowedActions),
		pq.Array(policy.AllowedTools),
		pq.Array(policy.DeniedTools),
		policy.MaxTokens,
		policy.RateLimit.RequestsPerMinute,
		policy.RateLimit.TokensPerHour,
		policy.Sandbox.Mode,
		policy.Sandbox.Scope,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	r.logger.Debug("policy upserted", zap.String("agent_id", policy.AgentID))
	return nil
}

// Delete removes a policy
func (r *PolicyRepository) Delete(ctx context.Context, agentID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM agent_policies WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy not found: %s", agentID)
	}

	r.logger.Debug("policy deleted", zap.String("agent_id", agentID))
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*models.AgentPolicy, error) {
	p := &models.AgentPolicy{}
	err := row.Scan(
		&p.AgentID,
		&p.Description,
		pq.Array(&p.AllowedModels),
		pq.Array(&p.AllowedActions),
		pq.Array(&p.AllowedTools),
		pq.Array(&p.DeniedTools),
		&p.MaxTokens,
		&p.RateLimit.RequestsPerMinute,
		&p.RateLimit.TokensPerHour,
		&p.Sandbox.Mode,
		&p.Sandbox.Scope,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
