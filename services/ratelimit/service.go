package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"go.uber.org/zap"
)

// ReasonRateExceeded is the deny reason for an exhausted window
const ReasonRateExceeded = "rate limit exceeded"

// PolicyLookup resolves an agent's rate budget
type PolicyLookup interface {
	Get(agentID string) (*models.AgentPolicy, bool)
}

// Usage reports an agent's live window counts against its limits
type Usage struct {
	AgentID             string `json:"agent_id"`
	RequestsLastMinute  int    `json:"requests_last_minute"`
	TokensLastHour      int    `json:"tokens_last_hour"`
	RequestsPerMinute   int    `json:"requests_per_minute"`
	TokensPerHour       int    `json:"tokens_per_hour"`
	RequestsRemaining   int    `json:"requests_remaining"`
	TokensRemaining     int    `json:"tokens_remaining"`
	PendingReservations int    `json:"pending_reservations"`
}

// Service admits requests against per-agent sliding windows
type Service struct {
	store    Store
	policies PolicyLookup
	windows  Windows
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a new rate limit Service
func NewService(store Store, policies PolicyLookup, windows Windows, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		policies: policies,
		windows:  windows.withDefaults(),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the clock used for wait time calculations
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the backing window store
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) limits(agentID string) (Limits, bool) {
	p, ok := s.policies.Get(agentID)
	if !ok {
		return Limits{}, false
	}
	return Limits{Requests: p.RateLimit.RequestsPerMinute, Tokens: p.RateLimit.TokensPerHour}, true
}

// Admit checks both windows and reserves capacity for requestedTokens.
// An allowed verdict carries the reservation id for the later Record call.
// A store failure returns a denying verdict together with the error.
func (s *Service) Admit(ctx context.Context, agentID string, requestedTokens int) (models.Verdict, error) {
	limits, ok := s.limits(agentID)
	if !ok {
		return models.Deny(models.StageRateLimit, "unknown agent", "policy"), nil
	}
	if requestedTokens < 0 {
		requestedTokens = 0
	}

	res, err := s.store.Reserve(ctx, agentID, limits, requestedTokens, uuid.NewString())
	if err != nil {
		s.logger.Error("rate limit store failed",
			zap.String("agent_id", agentID),
			zap.String("store", s.store.Name()),
			zap.Error(err))
		return models.Deny(models.StageRateLimit, "rate limiter unavailable", ""),
			services.WrapInternal("rate limit store failed", err)
	}

	if !res.Admitted {
		s.logger.Info("rate limit exceeded",
			zap.String("agent_id", agentID),
			zap.String("window", res.Window),
			zap.Int("requested_tokens", requestedTokens),
			zap.Duration("retry_after", res.RetryAfter))
		v := models.Deny(models.StageRateLimit, ReasonRateExceeded, res.Window)
		v.RetryAfter = ceilSeconds(res.RetryAfter)
		return v, nil
	}

	return models.Verdict{
		Allowed:       true,
		Reason:        "admitted",
		Stage:         models.StageRateLimit,
		ReservationID: res.ID,
	}, nil
}

// Record corrects a reservation to the measured token count, once. The
// request count entry is never removed. An empty reservationID corrects the
// agent's oldest uncorrected reservation.
func (s *Service) Record(ctx context.Context, agentID, reservationID string, actualTokens int) error {
	if actualTokens < 0 {
		return services.NewDomainError(services.ErrorTypeValidation, "actual tokens must be non-negative", nil)
	}

	if err := s.store.Correct(ctx, agentID, reservationID, actualTokens); err != nil {
		if errors.Is(err, services.ErrReservationNotFound) {
			return services.NewDomainError(services.ErrorTypeNotFound, "reservation not found", err).
				WithDetail("agent_id", agentID).
				WithDetail("reservation_id", reservationID)
		}
		if errors.Is(err, services.ErrReservationSettled) {
			return services.NewDomainError(services.ErrorTypeConflict, "reservation already corrected", err).
				WithDetail("agent_id", agentID).
				WithDetail("reservation_id", reservationID)
		}
		return services.WrapInternal("rate limit correction failed", err)
	}

	s.logger.Debug("usage recorded",
		zap.String("agent_id", agentID),
		zap.String("reservation_id", reservationID),
		zap.Int("actual_tokens", actualTokens))
	return nil
}

// Usage returns the agent's current counts and remaining capacity
func (s *Service) Usage(ctx context.Context, agentID string) (*Usage, error) {
	limits, ok := s.limits(agentID)
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound, "unknown agent", nil).
			WithDetail("agent_id", agentID)
	}

	st, err := s.store.State(ctx, agentID)
	if err != nil {
		return nil, services.WrapInternal("failed to read rate limit state", err)
	}

	return &Usage{
		AgentID:             agentID,
		RequestsLastMinute:  st.Requests,
		TokensLastHour:      st.Tokens,
		RequestsPerMinute:   limits.Requests,
		TokensPerHour:       limits.Tokens,
		RequestsRemaining:   max(0, limits.Requests-st.Requests),
		TokensRemaining:     max(0, limits.Tokens-st.Tokens),
		PendingReservations: st.Pending,
	}, nil
}

// Reset clears the agent's windows
func (s *Service) Reset(ctx context.Context, agentID string) error {
	if err := s.store.Reset(ctx, agentID); err != nil {
		return services.WrapInternal("failed to reset rate limit", err)
	}
	s.logger.Info("rate limit reset", zap.String("agent_id", agentID))
	return nil
}

// WaitTime returns how long until the agent can get a request slot. It is
// zero when a slot is free now.
func (s *Service) WaitTime(ctx context.Context, agentID string) (time.Duration, error) {
	limits, ok := s.limits(agentID)
	if !ok {
		return 0, services.NewDomainError(services.ErrorTypeNotFound, "unknown agent", nil).
			WithDetail("agent_id", agentID)
	}

	st, err := s.store.State(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit state: %w", err)
	}
	if st.Requests < limits.Requests || st.OldestRequest.IsZero() {
		return 0, nil
	}

	wait := s.windows.Request - s.now().Sub(st.OldestRequest)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
