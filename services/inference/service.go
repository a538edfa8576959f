package inference

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/services/providers"
	"github.com/upb/agent-guard/services/security"
	"go.uber.org/zap"
)

// Gate is the admission side of the pipeline
type Gate interface {
	EvaluateRaw(ctx context.Context, principal string, body []byte) (*models.Action, models.Verdict, error)
	ReportUsage(ctx context.Context, report *models.UsageReport) (*security.UsageResult, error)
}

// InferenceService evaluates an action, forwards it to the backend when
// allowed, and reports the measured usage back to the gate
type InferenceService struct {
	gate     Gate
	provider providers.Provider
	logger   *zap.Logger
}

// NewInferenceService creates a new inference service
func NewInferenceService(gate Gate, provider providers.Provider, logger *zap.Logger) *InferenceService {
	return &InferenceService{
		gate:     gate,
		provider: provider,
		logger:   logger,
	}
}

// Invoke runs one guarded call. A denied action returns its verdict with a
// nil error. The backend is called outside the admission path; if it fails,
// zero tokens are reported so the reservation is released.
func (s *InferenceService) Invoke(ctx context.Context, principal string, body []byte) (*CompletionResponse, error) {
	start := time.Now()
	out := &CompletionResponse{ID: uuid.New(), AgentID: principal}
	defer func() {
		out.LatencyMs = time.Since(start).Milliseconds()
		out.CompletedAt = time.Now().UTC()
	}()

	action, verdict, err := s.gate.EvaluateRaw(ctx, principal, body)
	out.Verdict = verdict
	if action != nil {
		out.AgentID = action.AgentID
		out.RequestID = action.RequestID
	}
	if err != nil {
		return out, err
	}
	if !verdict.Allowed {
		s.logger.Info("inference denied",
			zap.String("inference_id", out.ID.String()),
			zap.String("agent_id", out.AgentID),
			zap.String("reason", verdict.Reason))
		return out, nil
	}

	resp, callErr := s.provider.Invoke(ctx, providers.RequestFromAction(action))

	report := &models.UsageReport{
		AgentID:       action.AgentID,
		ReservationID: verdict.ReservationID,
		ModelID:       action.ModelID,
		RequestID:     action.RequestID,
	}
	if callErr == nil {
		report.InputTokens = resp.Usage.InputTokens
		report.OutputTokens = resp.Usage.OutputTokens
		out.Response = resp
	}

	// the usage record outlives a caller that went away mid-call
	usage, reportErr := s.gate.ReportUsage(context.WithoutCancel(ctx), report)
	out.Usage = usage
	if reportErr != nil {
		s.logger.Error("usage report failed",
			zap.String("inference_id", out.ID.String()),
			zap.String("agent_id", action.AgentID),
			zap.Error(reportErr))
	}

	if callErr != nil {
		s.logger.Error("inference backend call failed",
			zap.String("inference_id", out.ID.String()),
			zap.String("agent_id", action.AgentID),
			zap.String("model_id", action.ModelID),
			zap.String("backend", s.provider.Name()),
			zap.Error(callErr))
		return out, services.WrapExternal("inference backend unavailable", callErr)
	}

	s.logger.Info("inference completed",
		zap.String("inference_id", out.ID.String()),
		zap.String("agent_id", action.AgentID),
		zap.String("model_id", action.ModelID),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return out, nil
}
