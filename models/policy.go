package models

import (
	"slices"
	"time"
)

// DefaultPolicyID names the baseline catalog entry. It applies only to an agent
// literally called "default" and is never a fallback for unknown agents.
const DefaultPolicyID = "default"

// RateLimitConfig represents the per-agent rate budget
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" validate:"min=1"`
	TokensPerHour     int `json:"tokens_per_hour" yaml:"tokens_per_hour" validate:"min=1"`
}

// SandboxConfig describes how an agent's tool executions are isolated.
// It is carried through for the gateway and has no effect on verdicts.
type SandboxConfig struct {
	Mode  string `json:"mode" yaml:"mode" validate:"omitempty,oneof=off all non-main"`
	Scope string `json:"scope" yaml:"scope" validate:"omitempty,oneof=session agent"`
}

// AgentPolicy is the authorization policy of a single agent
type AgentPolicy struct {
	AgentID        string          `json:"agent_id" yaml:"agent_id" validate:"required,max=128"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedModels  []string        `json:"allowed_models" yaml:"allowed_models"`
	AllowedActions []string        `json:"allowed_actions" yaml:"allowed_actions"`
	AllowedTools   []string        `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DeniedTools    []string        `json:"denied_tools,omitempty" yaml:"denied_tools,omitempty"`
	MaxTokens      int             `json:"max_tokens" yaml:"max_tokens" validate:"min=1"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Sandbox        SandboxConfig   `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty" yaml:"-"`
}

// AllowsModel reports whether the model is in the allow set
func (p *AgentPolicy) AllowsModel(modelID string) bool {
	return slices.Contains(p.AllowedModels, modelID)
}

// AllowsAction reports whether the action type is in the allow set
func (p *AgentPolicy) AllowsAction(actionType ActionType) bool {
	return slices.Contains(p.AllowedActions, string(actionType))
}

// DeniesTool reports whether the tool is on the deny list
func (p *AgentPolicy) DeniesTool(tool string) bool {
	return slices.Contains(p.DeniedTools, tool)
}

// AllowsTool reports whether the tool passes the allow list. An empty allow list admits any tool.
func (p *AgentPolicy) AllowsTool(tool string) bool {
	return len(p.AllowedTools) == 0 || slices.Contains(p.AllowedTools, tool)
}

// Clone returns a deep copy so callers never share slices with the store
func (p *AgentPolicy) Clone() *AgentPolicy {
	if p == nil {
		return nil
	}
	c := *p
	c.AllowedModels = slices.Clone(p.AllowedModels)
	c.AllowedActions = slices.Clone(p.AllowedActions)
	c.AllowedTools = slices.Clone(p.AllowedTools)
	c.DeniedTools = slices.Clone(p.DeniedTools)
	return &c
}

// DefaultPolicies returns the built-in policy catalog used when no policy source is configured
func DefaultPolicies() map[string]*AgentPolicy {
	return map[string]*AgentPolicy{
		DefaultPolicyID: {
			AgentID:        DefaultPolicyID,
			Description:    "Baseline restricted agent",
			AllowedModels:  []string{"global.amazon.nova-2-lite-v1:0"},
			AllowedActions: []string{"chat", "summarize", "analyze"},
			MaxTokens:      4096,
			RateLimit:      RateLimitConfig{RequestsPerMinute: 10, TokensPerHour: 100000},
			Sandbox:        SandboxConfig{Mode: "all", Scope: "session"},
		},
		"main": {
			AgentID:     "main",
			Description: "Primary agent with full access",
			AllowedModels: []string{
				"global.amazon.nova-2-lite-v1:0",
				"global.anthropic.claude-sonnet-4-5-20250929-v1:0",
				"us.amazon.nova-pro-v1:0",
			},
			AllowedActions: []string{"chat", "summarize", "analyze", "code", "edit", "exec"},
			MaxTokens:      8192,
			RateLimit:      RateLimitConfig{RequestsPerMinute: 30, TokensPerHour: 500000},
			Sandbox:        SandboxConfig{Mode: "off"},
		},
		"public": {
			AgentID:        "public",
			Description:    "Public-facing agent with restricted access",
			AllowedModels:  []string{"global.amazon.nova-2-lite-v1:0"},
			AllowedActions: []string{"chat"},
			MaxTokens:      2048,
			RateLimit:      RateLimitConfig{RequestsPerMinute: 5, TokensPerHour: 10000},
			Sandbox:        SandboxConfig{Mode: "all", Scope: "agent"},
		},
	}
}
