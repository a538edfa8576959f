package permission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/agent-guard/models"
)

func publicPolicy() *models.AgentPolicy {
	return &models.AgentPolicy{
		AgentID:        "public",
		AllowedModels:  []string{"nova-lite"},
		AllowedActions: []string{"chat"},
		MaxTokens:      2048,
		RateLimit:      models.RateLimitConfig{RequestsPerMinute: 5, TokensPerHour: 10000},
	}
}

func mainPolicy() *models.AgentPolicy {
	return &models.AgentPolicy{
		AgentID:        "main",
		AllowedModels:  []string{"nova-lite", "claude-sonnet"},
		AllowedActions: []string{"chat", "code", "exec"},
		AllowedTools:   []string{"search", "shell"},
		DeniedTools:    []string{"shell", "rm"},
		MaxTokens:      8192,
		RateLimit:      models.RateLimitConfig{RequestsPerMinute: 30, TokensPerHour: 500000},
	}
}

func TestEngine_Authorize(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name       string
		action     models.Action
		policy     *models.AgentPolicy
		wantAllow  bool
		wantReason string
		wantRule   string
	}{
		{
			name:       "unknown agent has no policy",
			action:     models.Action{AgentID: "ghost", Type: "chat", ModelID: "nova-lite"},
			policy:     nil,
			wantReason: ReasonUnknownAgent,
			wantRule:   RulePolicy,
		},
		{
			name:       "policy issued for another agent",
			action:     models.Action{AgentID: "public", Type: "chat", ModelID: "nova-lite"},
			policy:     mainPolicy(),
			wantReason: ReasonUnknownAgent,
			wantRule:   RulePolicy,
		},
		{
			name:       "public agent asks for claude-sonnet",
			action:     models.Action{AgentID: "public", Type: "chat", ModelID: "claude-sonnet", RequestedTokens: 10},
			policy:     publicPolicy(),
			wantReason: ReasonModel,
			wantRule:   RuleAllowedModels,
		},
		{
			name:       "public agent allowed model passes",
			action:     models.Action{AgentID: "public", Type: "chat", ModelID: "nova-lite", RequestedTokens: 10},
			policy:     publicPolicy(),
			wantAllow:  true,
			wantReason: ReasonAuthorized,
		},
		{
			name:       "action type not allowed",
			action:     models.Action{AgentID: "public", Type: "exec", ModelID: "nova-lite"},
			policy:     publicPolicy(),
			wantReason: ReasonAction,
			wantRule:   RuleAllowedActions,
		},
		{
			name:       "model checked before action",
			action:     models.Action{AgentID: "public", Type: "exec", ModelID: "claude-sonnet"},
			policy:     publicPolicy(),
			wantReason: ReasonModel,
			wantRule:   RuleAllowedModels,
		},
		{
			name:       "deny list wins over allow list",
			action:     models.Action{AgentID: "main", Type: "exec", ModelID: "nova-lite", Tool: "shell"},
			policy:     mainPolicy(),
			wantReason: ReasonToolDenied,
			wantRule:   RuleDeniedTools,
		},
		{
			name:       "tool outside allow list",
			action:     models.Action{AgentID: "main", Type: "exec", ModelID: "nova-lite", Tool: "browser"},
			policy:     mainPolicy(),
			wantReason: ReasonToolNotAllowed,
			wantRule:   RuleAllowedTools,
		},
		{
			name:       "tool on allow list",
			action:     models.Action{AgentID: "main", Type: "exec", ModelID: "nova-lite", Tool: "search"},
			policy:     mainPolicy(),
			wantAllow:  true,
			wantReason: ReasonAuthorized,
		},
		{
			name:       "any tool with empty allow list",
			action:     models.Action{AgentID: "public", Type: "chat", ModelID: "nova-lite", Tool: "calculator"},
			policy:     publicPolicy(),
			wantAllow:  true,
			wantReason: ReasonAuthorized,
		},
		{
			name:       "main requests more than max tokens",
			action:     models.Action{AgentID: "main", Type: "chat", ModelID: "nova-lite", RequestedTokens: 10000},
			policy:     mainPolicy(),
			wantReason: ReasonTokenLimit,
			wantRule:   RuleMaxTokens,
		},
		{
			name:       "exactly max tokens",
			action:     models.Action{AgentID: "main", Type: "chat", ModelID: "nova-lite", RequestedTokens: 8192},
			policy:     mainPolicy(),
			wantAllow:  true,
			wantReason: ReasonAuthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := tt.action
			v := engine.Authorize(&action, tt.policy)

			assert.Equal(t, tt.wantAllow, v.Allowed)
			assert.Equal(t, tt.wantReason, v.Reason)
			assert.Equal(t, tt.wantRule, v.MatchedRule)
			assert.Equal(t, models.StagePermission, v.Stage)
		})
	}
}

func TestEngine_AuthorizeNilAction(t *testing.T) {
	v := NewEngine().Authorize(nil, publicPolicy())
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnknownAgent, v.Reason)
}

func TestEngine_AuthorizeIsIdempotent(t *testing.T) {
	engine := NewEngine()
	policy := mainPolicy()
	actions := []models.Action{
		{AgentID: "main", Type: "chat", ModelID: "nova-lite", RequestedTokens: 100},
		{AgentID: "main", Type: "chat", ModelID: "gpt", RequestedTokens: 100},
		{AgentID: "main", Type: "exec", ModelID: "nova-lite", Tool: "rm"},
	}

	for _, a := range actions {
		a := a
		first := engine.Authorize(&a, policy)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, engine.Authorize(&a, policy))
		}
	}
}

func TestEngine_AuthorizeConcurrent(t *testing.T) {
	engine := NewEngine()
	policy := mainPolicy()
	action := models.Action{AgentID: "main", Type: "chat", ModelID: "nova-lite", RequestedTokens: 100}
	want := engine.Authorize(&action, policy)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := action
			assert.Equal(t, want, engine.Authorize(&a, policy))
		}()
	}
	wg.Wait()
}
