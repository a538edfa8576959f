package models

// ActionType enumerates the kinds of work an agent may request
type ActionType string

const (
	ActionTypeChat      ActionType = "chat"
	ActionTypeSummarize ActionType = "summarize"
	ActionTypeAnalyze   ActionType = "analyze"
	ActionTypeCode      ActionType = "code"
	ActionTypeEdit      ActionType = "edit"
	ActionTypeExec      ActionType = "exec"
)

// Field limits enforced by the validator regardless of policy
const (
	MaxRequestedTokens    = 100000
	MaxPayloadLength      = 100000
	MaxSystemPromptLength = 10000
	MaxModelIDLength      = 100
)

// Message is one conversation turn forwarded to the backend
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,max=100000"`
}

// Action is a single inbound request from an agent
type Action struct {
	AgentID         string     `json:"agent_id" validate:"required,max=128"`
	Type            ActionType `json:"type" validate:"required,oneof=chat summarize analyze code edit exec"`
	ModelID         string     `json:"model_id" validate:"required,max=100"`
	RequestedTokens int        `json:"requested_tokens" validate:"min=0,max=100000"`
	PayloadText     string     `json:"payload_text" validate:"max=100000"`
	SystemPrompt    string     `json:"system_prompt,omitempty" validate:"max=10000"`
	Messages        []Message  `json:"messages,omitempty" validate:"omitempty,dive"`
	Tool            string     `json:"tool,omitempty" validate:"max=128"`
	RequestID       string     `json:"request_id,omitempty" validate:"max=128"`
}

// HasTool reports whether the action references a tool
func (a *Action) HasTool() bool {
	return a.Tool != ""
}

// Texts returns every free-text field of the action in scan order
func (a *Action) Texts() []string {
	texts := make([]string, 0, 2+len(a.Messages))
	texts = append(texts, a.PayloadText)
	if a.SystemPrompt != "" {
		texts = append(texts, a.SystemPrompt)
	}
	for _, m := range a.Messages {
		texts = append(texts, m.Content)
	}
	return texts
}

// Descriptor summarizes the action for the audit trail without copying payload text
func (a *Action) Descriptor() *ActionDescriptor {
	if a == nil {
		return nil
	}
	return &ActionDescriptor{
		Type:            string(a.Type),
		ModelID:         a.ModelID,
		RequestedTokens: a.RequestedTokens,
		Tool:            a.Tool,
		PayloadLength:   len(a.PayloadText),
		MessageCount:    len(a.Messages),
	}
}

// ActionDescriptor is the audit-safe summary of an action
type ActionDescriptor struct {
	Type            string `json:"type"`
	ModelID         string `json:"model_id"`
	RequestedTokens int    `json:"requested_tokens"`
	Tool            string `json:"tool,omitempty"`
	PayloadLength   int    `json:"payload_length"`
	MessageCount    int    `json:"message_count,omitempty"`
	// Sensitive lists kinds of personal data or credentials seen in the text
	Sensitive []string `json:"sensitive,omitempty"`
}

// Stage identifies the pipeline stage that produced a verdict
type Stage string

const (
	StageValidation Stage = "validation"
	StagePermission Stage = "permission"
	StageRateLimit  Stage = "rate_limit"
	StageAudit      Stage = "audit"
	StageComplete   Stage = "complete"
)

// Verdict is the pipeline's allow/deny decision
type Verdict struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	MatchedRule   string `json:"matched_rule,omitempty"`
	Stage         Stage  `json:"stage,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	// RetryAfter is set on rate denials, in whole seconds
	RetryAfter int `json:"retry_after_seconds,omitempty"`
}

// Allow returns an allowing verdict
func Allow(reason string) Verdict {
	return Verdict{Allowed: true, Reason: reason, Stage: StageComplete}
}

// Deny returns a denying verdict for the given stage
func Deny(stage Stage, reason, rule string) Verdict {
	return Verdict{Allowed: false, Reason: reason, MatchedRule: rule, Stage: stage}
}
