package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecordType represents the kind of audit entry
type AuditRecordType string

const (
	AuditRecordAction        AuditRecordType = "action"
	AuditRecordSecurityEvent AuditRecordType = "security_event"
	AuditRecordInferenceCall AuditRecordType = "inference_call"
)

// Valid reports whether t is a known record type
func (t AuditRecordType) Valid() bool {
	switch t {
	case AuditRecordAction, AuditRecordSecurityEvent, AuditRecordInferenceCall:
		return true
	}
	return false
}

// AuditRecord is one line of the append-only audit trail
type AuditRecord struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Type          AuditRecordType   `json:"type"`
	AgentID       string            `json:"agent_id"`
	Action        *ActionDescriptor `json:"action,omitempty"`
	Allowed       bool              `json:"allowed"`
	Reason        string            `json:"reason"`
	MatchedRule   string            `json:"matched_rule,omitempty"`
	Stage         Stage             `json:"stage,omitempty"`
	EstimatedCost *float64          `json:"estimated_cost,omitempty"`
	Usage         *TokenUsage       `json:"usage,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
}

// NewAuditRecord creates a new AuditRecord stamped with the current UTC time
func NewAuditRecord(recordType AuditRecordType, agentID string) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      recordType,
		AgentID:   agentID,
	}
}

// WithAction sets the action descriptor
func (r *AuditRecord) WithAction(action *Action) *AuditRecord {
	r.Action = action.Descriptor()
	if action != nil && action.RequestID != "" {
		r.RequestID = action.RequestID
	}
	return r
}

// WithVerdict copies the decision fields of a verdict
func (r *AuditRecord) WithVerdict(v Verdict) *AuditRecord {
	r.Allowed = v.Allowed
	r.Reason = v.Reason
	r.MatchedRule = v.MatchedRule
	r.Stage = v.Stage
	return r
}

// WithCost sets the estimated cost in USD
func (r *AuditRecord) WithCost(cost float64) *AuditRecord {
	r.EstimatedCost = &cost
	return r
}

// WithUsage sets measured token usage
func (r *AuditRecord) WithUsage(usage TokenUsage) *AuditRecord {
	r.Usage = &usage
	return r
}

// WithRequestID sets the request correlation id
func (r *AuditRecord) WithRequestID(requestID string) *AuditRecord {
	if requestID != "" {
		r.RequestID = requestID
	}
	return r
}

// Cost returns the estimated cost or zero
func (r *AuditRecord) Cost() float64 {
	if r.EstimatedCost == nil {
		return 0
	}
	return *r.EstimatedCost
}
