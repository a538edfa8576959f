// Package permission evaluates an action against an agent policy.
//
// The engine holds no state and takes no locks. The same action and policy
// always produce the same verdict, so callers may evaluate concurrently and
// repeatedly.
package permission

import (
	"github.com/upb/agent-guard/models"
)

// Denial reasons in evaluation order
const (
	ReasonUnknownAgent   = "unknown agent"
	ReasonModel          = "model not permitted"
	ReasonAction         = "action not permitted"
	ReasonToolDenied     = "tool denied"
	ReasonToolNotAllowed = "tool not permitted"
	ReasonTokenLimit     = "token limit exceeded"
	ReasonAuthorized     = "authorized"
)

// Rule names reported in Verdict.MatchedRule
const (
	RulePolicy         = "policy"
	RuleAllowedModels  = "allowed_models"
	RuleAllowedActions = "allowed_actions"
	RuleDeniedTools    = "denied_tools"
	RuleAllowedTools   = "allowed_tools"
	RuleMaxTokens      = "max_tokens"
)

// Engine is the pure permission evaluator
type Engine struct{}

// NewEngine creates a new Engine
func NewEngine() *Engine {
	return &Engine{}
}

// Authorize checks the action against the policy and stops at the first failure.
// A nil policy, or one issued for a different agent, is an unknown agent.
func (e *Engine) Authorize(action *models.Action, policy *models.AgentPolicy) models.Verdict {
	if policy == nil || action == nil || policy.AgentID != action.AgentID {
		return models.Deny(models.StagePermission, ReasonUnknownAgent, RulePolicy)
	}

	if !policy.AllowsModel(action.ModelID) {
		return models.Deny(models.StagePermission, ReasonModel, RuleAllowedModels)
	}

	if !policy.AllowsAction(action.Type) {
		return models.Deny(models.StagePermission, ReasonAction, RuleAllowedActions)
	}

	if action.HasTool() {
		// deny-list wins on overlap
		if policy.DeniesTool(action.Tool) {
			return models.Deny(models.StagePermission, ReasonToolDenied, RuleDeniedTools)
		}
		if !policy.AllowsTool(action.Tool) {
			return models.Deny(models.StagePermission, ReasonToolNotAllowed, RuleAllowedTools)
		}
	}

	if action.RequestedTokens > policy.MaxTokens {
		return models.Deny(models.StagePermission, ReasonTokenLimit, RuleMaxTokens)
	}

	return models.Verdict{Allowed: true, Reason: ReasonAuthorized, Stage: models.StagePermission}
}
