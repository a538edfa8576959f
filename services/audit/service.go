package audit

import (
	"context"
	"sort"
	"time"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"go.uber.org/zap"
)

// DefaultQueryLimit caps query results when the caller gives no limit
const DefaultQueryLimit = 1000

// UsageSummary totals one agent's audited activity
type UsageSummary struct {
	AgentID      string  `json:"agent_id"`
	Days         int     `json:"days"`
	Requests     int     `json:"requests"`
	Allowed      int     `json:"allowed"`
	Denied       int     `json:"denied"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// DeniedSummary groups denied records by agent
type DeniedSummary struct {
	Days         int                   `json:"days"`
	TotalDenied  int                   `json:"total_denied"`
	ByAgent      map[string]int        `json:"by_agent"`
	ByReason     map[string]int        `json:"by_reason"`
	RecentDenied []*models.AuditRecord `json:"recent_denied"`
}

// Service answers read-only questions over the audit trail
type Service struct {
	sink   Sink
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a new audit query Service
func NewService(sink Sink, logger *zap.Logger) *Service {
	return &Service{sink: sink, now: time.Now, logger: logger}
}

// WithClock replaces the clock used for day ranges
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Sink returns the underlying sink
func (s *Service) Sink() Sink {
	return s.sink
}

// Query returns records matching filter, newest first
func (s *Service) Query(ctx context.Context, filter Filter) ([]*models.AuditRecord, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "to must not be before from", nil)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}

	records, err := s.sink.Query(ctx, filter)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		return nil, services.WrapInternal("failed to query audit records", err)
	}
	return records, nil
}

// Recent returns the newest records
func (s *Service) Recent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	return s.Query(ctx, Filter{Limit: limit})
}

// Denied returns denied records from the last days
func (s *Service) Denied(ctx context.Context, days, limit int) ([]*models.AuditRecord, error) {
	denied := false
	return s.Query(ctx, Filter{From: s.since(days), Allowed: &denied, Limit: limit})
}

// AgentUsage totals an agent's requests, tokens and cost over the last days.
// Request counts come from action records, tokens and cost from matched
// inference calls.
func (s *Service) AgentUsage(ctx context.Context, agentID string, days int) (*UsageSummary, error) {
	records, err := s.sink.Query(ctx, Filter{AgentID: agentID, From: s.since(days)})
	if err != nil {
		return nil, services.WrapInternal("failed to query audit records", err)
	}

	summary := &UsageSummary{AgentID: agentID, Days: normalizeDays(days)}
	for _, r := range records {
		switch r.Type {
		case models.AuditRecordAction:
			summary.Requests++
			if r.Allowed {
				summary.Allowed++
			} else {
				summary.Denied++
			}
		case models.AuditRecordSecurityEvent:
			summary.Requests++
			summary.Denied++
		case models.AuditRecordInferenceCall:
			// unmatched usage reports are audited denied and carry no accounting
			if !r.Allowed {
				continue
			}
			if r.Usage != nil {
				summary.InputTokens += r.Usage.InputTokens
				summary.OutputTokens += r.Usage.OutputTokens
			}
			summary.TotalCost += r.Cost()
		}
	}
	return summary, nil
}

// DeniedSummary groups every denial of the last days by agent and reason and
// keeps the newest few. The totals are not subject to DefaultQueryLimit.
func (s *Service) DeniedSummary(ctx context.Context, days, recent int) (*DeniedSummary, error) {
	denied := false
	records, err := s.sink.Query(ctx, Filter{From: s.since(days), Allowed: &denied})
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		return nil, services.WrapInternal("failed to query audit records", err)
	}

	summary := &DeniedSummary{
		Days:     normalizeDays(days),
		ByAgent:  make(map[string]int),
		ByReason: make(map[string]int),
	}
	for _, r := range records {
		summary.TotalDenied++
		summary.ByAgent[r.AgentID]++
		summary.ByReason[r.Reason]++
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	if recent > 0 && len(records) > recent {
		records = records[:recent]
	}
	summary.RecentDenied = records
	return summary, nil
}

func (s *Service) since(days int) time.Time {
	days = normalizeDays(days)
	today := s.now().UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(days - 1))
}

func normalizeDays(days int) int {
	if days <= 0 {
		return 7
	}
	return days
}
