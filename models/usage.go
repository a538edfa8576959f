package models

// TokenUsage is the measured consumption of one backend call
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// UsageReport is sent by the caller after an allowed action reached the backend
type UsageReport struct {
	AgentID       string `json:"agent_id" validate:"required,max=128"`
	ReservationID string `json:"reservation_id,omitempty" validate:"max=64"`
	ModelID       string `json:"model_id" validate:"required,max=100"`
	InputTokens   int    `json:"input_tokens" validate:"min=0"`
	OutputTokens  int    `json:"output_tokens" validate:"min=0"`
	RequestID     string `json:"request_id,omitempty" validate:"max=128"`
}

// Usage returns the token usage carried by the report
func (r *UsageReport) Usage() TokenUsage {
	return TokenUsage{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens}
}
