package security

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/upb/agent-guard/internal/observability"
	"github.com/upb/agent-guard/internal/prompt"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/services/audit"
	"github.com/upb/agent-guard/services/policy"
	"github.com/upb/agent-guard/services/ratelimit"
	"github.com/upb/agent-guard/services/validator"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// Reasons produced by the orchestrator itself
const (
	ReasonAllowed          = "allowed"
	ReasonAuditUnavailable = "audit unavailable"
	ReasonUsageRecorded    = "usage recorded"
	ReasonUsageUnmatched   = "unmatched usage report"

	unidentifiedAgent = "unidentified"
	recentDeniedCount = 10
	statsDays         = 7
)

// PolicyStore resolves and reloads agent policies
type PolicyStore interface {
	Get(agentID string) (*models.AgentPolicy, bool)
	Reload(ctx context.Context) error
	Stats() policy.Stats
}

// ActionValidator performs structural and heuristic screening
type ActionValidator interface {
	Parse(data []byte) (*models.Action, error)
	Validate(ctx context.Context, action *models.Action) models.Verdict
	ReloadSignatures(path string) error
}

// Authorizer evaluates an action against a policy
type Authorizer interface {
	Authorize(action *models.Action, policy *models.AgentPolicy) models.Verdict
}

// Limiter admits actions against rate windows and corrects reservations
type Limiter interface {
	Admit(ctx context.Context, agentID string, requestedTokens int) (models.Verdict, error)
	Record(ctx context.Context, agentID, reservationID string, actualTokens int) error
	Usage(ctx context.Context, agentID string) (*ratelimit.Usage, error)
	WaitTime(ctx context.Context, agentID string) (time.Duration, error)
	Reset(ctx context.Context, agentID string) error
}

// CostEstimator prices token counts
type CostEstimator interface {
	Estimate(modelID string, inputTokens, outputTokens int) float64
	EstimateCeiling(modelID string, requestedTokens int) float64
}

// AuditReader answers aggregate questions over the audit trail
type AuditReader interface {
	AgentUsage(ctx context.Context, agentID string, days int) (*audit.UsageSummary, error)
	DeniedSummary(ctx context.Context, days, recent int) (*audit.DeniedSummary, error)
}

// Deps groups the collaborators of the Middleware
type Deps struct {
	Policies    PolicyStore
	Validator   ActionValidator
	Permissions Authorizer
	Limiter     Limiter
	Sink        audit.Sink
	Audit       AuditReader
	Pricing     CostEstimator
	Metrics     *observability.Metrics

	// SignaturesFile is re-read on Reload when set
	SignaturesFile string
}

// UsageResult describes a processed usage report
type UsageResult struct {
	AgentID       string  `json:"agent_id"`
	ReservationID string  `json:"reservation_id,omitempty"`
	TotalTokens   int     `json:"total_tokens"`
	Cost          float64 `json:"cost"`
	Corrected     bool    `json:"corrected"`
}

// AgentStats combines an agent's policy, live windows and audited totals
type AgentStats struct {
	AgentID string              `json:"agent_id"`
	Policy  *models.AgentPolicy `json:"policy"`
	Live    *ratelimit.Usage    `json:"live_usage,omitempty"`
	// NextRequestIn is zero when a request slot is free now
	NextRequestIn float64 `json:"next_request_in_seconds"`
	Audited *audit.UsageSummary `json:"audited_usage,omitempty"`
}

// Summary is the security overview across agents
type Summary struct {
	Policies policy.Stats         `json:"policies"`
	Denied   *audit.DeniedSummary `json:"denied"`
}

// Middleware runs validation, permission and rate admission as one
// synchronous pipeline and commits exactly one audit record per action
// before the verdict is returned.
type Middleware struct {
	deps   Deps
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*agentLock
}

// agentLock is held by every in-flight call for one agent and dropped from
// the map when the last of them leaves
type agentLock struct {
	mu   sync.Mutex
	refs int
}

// NewMiddleware creates a new security Middleware
func NewMiddleware(deps Deps, logger *zap.Logger) *Middleware {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	return &Middleware{deps: deps, logger: logger, locks: make(map[string]*agentLock)}
}

// lockAgent serializes one agent's admissions and audit commits and returns
// the matching unlock. Distinct agents never wait on each other.
func (m *Middleware) lockAgent(agentID string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &agentLock{}
		m.locks[agentID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, agentID)
		}
		m.mu.Unlock()
	}
}

// Evaluate decides whether an action may reach the inference backend.
// The returned error is non-nil only for an AuditFault, in which case the
// verdict is a fail-closed deny.
func (m *Middleware) Evaluate(ctx context.Context, action *models.Action) (models.Verdict, error) {
	agentID := unidentifiedAgent
	if action != nil && action.AgentID != "" {
		agentID = action.AgentID
	}
	return m.run(ctx, agentID, action, nil)
}

// EvaluateJSON parses a raw action and evaluates it. principal is the agent
// identity established upstream; when set, the action must not claim another.
// Unparseable input is audited and denied like any other malformed action.
func (m *Middleware) EvaluateJSON(ctx context.Context, principal string, body []byte) (models.Verdict, error) {
	_, verdict, err := m.EvaluateRaw(ctx, principal, body)
	return verdict, err
}

// EvaluateRaw is EvaluateJSON that also returns the parsed action, nil when
// the body did not parse.
func (m *Middleware) EvaluateRaw(ctx context.Context, principal string, body []byte) (*models.Action, models.Verdict, error) {
	action, err := m.deps.Validator.Parse(body)
	if err != nil {
		agentID := principal
		if agentID == "" {
			agentID = unidentifiedAgent
		}
		verdict := validator.MalformedVerdict(err)
		verdict, err = m.run(ctx, agentID, nil, &verdict)
		return nil, verdict, err
	}

	if principal != "" {
		if action.AgentID == "" {
			action.AgentID = principal
		} else if action.AgentID != principal {
			verdict := models.Deny(models.StageValidation, "malformed action: "+services.ErrIdentityClash.Message, "agent_id")
			verdict, err = m.run(ctx, principal, action, &verdict)
			return action, verdict, err
		}
	}
	verdict, err := m.Evaluate(ctx, action)
	return action, verdict, err
}

// run serializes on the agent, decides unless a verdict was forced, and commits the audit record
func (m *Middleware) run(ctx context.Context, agentID string, action *models.Action, forced *models.Verdict) (models.Verdict, error) {
	start := time.Now()

	defer m.lockAgent(agentID)()

	var verdict models.Verdict
	if forced != nil {
		verdict = *forced
	} else {
		verdict = m.decide(ctx, action)
	}

	recordType := models.AuditRecordAction
	if verdict.Stage == models.StageValidation {
		recordType = models.AuditRecordSecurityEvent
	}
	record := models.NewAuditRecord(recordType, agentID).WithVerdict(verdict)
	if action != nil {
		record.WithAction(action)
		record.Action.Sensitive = prompt.DetectSensitive(action.Texts()...)
		if verdict.Stage != models.StageValidation && m.deps.Pricing != nil {
			record.WithCost(m.deps.Pricing.EstimateCeiling(action.ModelID, action.RequestedTokens))
		}
	}

	if err := m.deps.Sink.Record(ctx, record); err != nil {
		m.deps.Metrics.AuditFaults.Inc()
		m.logger.Error("audit write failed, action denied",
			zap.String("agent_id", agentID),
			zap.String("request_id", record.RequestID),
			zap.Bool("decided_allowed", verdict.Allowed),
			zap.String("reservation_id", verdict.ReservationID),
			zap.Error(err))
		verdict = models.Deny(models.StageAudit, ReasonAuditUnavailable, "")
		m.observe(verdict, start)
		if !services.IsAuditFaultError(err) {
			err = services.WrapAuditFault("audit write failed", err)
		}
		return verdict, err
	}

	m.observe(verdict, start)
	return verdict, nil
}

// decide walks validator, permission and rate admission, stopping at the first denial
func (m *Middleware) decide(ctx context.Context, action *models.Action) models.Verdict {
	if v := m.deps.Validator.Validate(ctx, action); !v.Allowed {
		return v
	}

	p, _ := m.deps.Policies.Get(action.AgentID)
	if v := m.deps.Permissions.Authorize(action, p); !v.Allowed {
		return v
	}

	v, err := m.deps.Limiter.Admit(ctx, action.AgentID, action.RequestedTokens)
	if err != nil {
		m.logger.Error("rate admission failed, action denied",
			zap.String("agent_id", action.AgentID),
			zap.Error(err))
	}
	if !v.Allowed {
		return v
	}

	allowed := models.Allow(ReasonAllowed)
	allowed.ReservationID = v.ReservationID
	return allowed
}

func (m *Middleware) observe(v models.Verdict, start time.Time) {
	allowed := strconv.FormatBool(v.Allowed)
	m.deps.Metrics.Verdicts.WithLabelValues(allowed, string(v.Stage), v.MatchedRule).Inc()
	m.deps.Metrics.EvaluateDuration.WithLabelValues(allowed).Observe(time.Since(start).Seconds())
}

// ReportUsage corrects the rate reservation to measured usage and audits the
// call's actual cost. A report that matches no open reservation is audited as
// a denied inference call without cost and returned as an error.
func (m *Middleware) ReportUsage(ctx context.Context, report *models.UsageReport) (*UsageResult, error) {
	if report == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "usage report is required", nil)
	}
	if err := utils.ValidateStruct(report); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid usage report", err)
	}

	usage := report.Usage()
	result := &UsageResult{
		AgentID:       report.AgentID,
		ReservationID: report.ReservationID,
		TotalTokens:   usage.Total(),
	}

	defer m.lockAgent(report.AgentID)()

	verdict := models.Verdict{Allowed: true, Reason: ReasonUsageRecorded, Stage: models.StageComplete}
	recordErr := m.deps.Limiter.Record(ctx, report.AgentID, report.ReservationID, usage.Total())
	unmatched := services.IsNotFoundError(recordErr) || services.IsConflictError(recordErr)
	switch {
	case recordErr == nil:
		result.Corrected = true
		m.deps.Metrics.UsageReports.WithLabelValues("corrected").Inc()
	case unmatched:
		m.deps.Metrics.UsageReports.WithLabelValues("unmatched").Inc()
		m.logger.Warn("usage report matches no open reservation",
			zap.String("agent_id", report.AgentID),
			zap.String("reservation_id", report.ReservationID),
			zap.Int("actual_tokens", usage.Total()),
			zap.Error(recordErr))
		verdict = models.Deny(models.StageRateLimit, ReasonUsageUnmatched, "reservation_id")
	default:
		m.deps.Metrics.UsageReports.WithLabelValues("failed").Inc()
		m.logger.Warn("usage correction not applied",
			zap.String("agent_id", report.AgentID),
			zap.String("reservation_id", report.ReservationID),
			zap.Int("actual_tokens", usage.Total()),
			zap.Error(recordErr))
	}

	record := models.NewAuditRecord(models.AuditRecordInferenceCall, report.AgentID).
		WithVerdict(verdict).
		WithUsage(usage).
		WithRequestID(report.RequestID)
	record.Action = &models.ActionDescriptor{ModelID: report.ModelID, RequestedTokens: usage.Total()}
	if !unmatched && m.deps.Pricing != nil {
		result.Cost = m.deps.Pricing.Estimate(report.ModelID, usage.InputTokens, usage.OutputTokens)
		record.WithCost(result.Cost)
	}

	if err := m.deps.Sink.Record(ctx, record); err != nil {
		m.deps.Metrics.AuditFaults.Inc()
		m.logger.Error("audit write failed for usage report",
			zap.String("agent_id", report.AgentID),
			zap.Error(err))
		if !services.IsAuditFaultError(err) {
			err = services.WrapAuditFault("audit write failed", err)
		}
		return result, err
	}
	if unmatched {
		return result, recordErr
	}
	return result, nil
}

// AgentStats returns the agent's policy, live window usage and audited totals
func (m *Middleware) AgentStats(ctx context.Context, agentID string) (*AgentStats, error) {
	p, ok := m.deps.Policies.Get(agentID)
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "unknown agent", nil).
			WithDetail("agent_id", agentID)
	}

	stats := &AgentStats{AgentID: agentID, Policy: p}

	live, err := m.deps.Limiter.Usage(ctx, agentID)
	if err != nil {
		m.logger.Warn("live usage unavailable", zap.String("agent_id", agentID), zap.Error(err))
	} else {
		stats.Live = live
	}
	if wait, err := m.deps.Limiter.WaitTime(ctx, agentID); err == nil {
		stats.NextRequestIn = wait.Seconds()
	}

	if m.deps.Audit != nil {
		audited, err := m.deps.Audit.AgentUsage(ctx, agentID, statsDays)
		if err != nil {
			return nil, err
		}
		stats.Audited = audited
	}
	return stats, nil
}

// ResetAgent clears the agent's rate windows, releasing open reservations.
// It serializes with the agent's evaluations.
func (m *Middleware) ResetAgent(ctx context.Context, agentID string) error {
	if _, ok := m.deps.Policies.Get(agentID); !ok {
		return services.NewDomainError(services.ErrorTypeNotFound, "unknown agent", nil).
			WithDetail("agent_id", agentID)
	}

	defer m.lockAgent(agentID)()

	if err := m.deps.Limiter.Reset(ctx, agentID); err != nil {
		return err
	}
	m.logger.Info("rate windows reset", zap.String("agent_id", agentID))
	return nil
}

// SecuritySummary groups recent denials by agent and lists the newest
func (m *Middleware) SecuritySummary(ctx context.Context, days int) (*Summary, error) {
	summary := &Summary{Policies: m.deps.Policies.Stats()}
	if m.deps.Audit == nil {
		return summary, nil
	}
	denied, err := m.deps.Audit.DeniedSummary(ctx, days, recentDeniedCount)
	if err != nil {
		return nil, err
	}
	summary.Denied = denied
	return summary, nil
}

// Reload re-reads policies and, when configured, the signature catalog.
// Failures keep the active data and are reported as ConfigFaults.
func (m *Middleware) Reload(ctx context.Context) error {
	var errs []error

	if err := m.deps.Policies.Reload(ctx); err != nil {
		m.deps.Metrics.ConfigFaults.WithLabelValues("policy").Inc()
		errs = append(errs, err)
	}
	if m.deps.SignaturesFile != "" {
		if err := m.deps.Validator.ReloadSignatures(m.deps.SignaturesFile); err != nil {
			m.deps.Metrics.ConfigFaults.WithLabelValues("signatures").Inc()
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.logger.Error("reload incomplete", zap.Error(err))
		return services.WrapConfigFault("reload incomplete", err)
	}
	m.logger.Info("policies reloaded", zap.Int("agents", m.deps.Policies.Stats().Agents))
	return nil
}
