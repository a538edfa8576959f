package providers

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/upb/agent-guard/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend call outcomes reported to metrics
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusCircuitOpen = "circuit_open"
	StatusThrottled   = "throttled"
)

// ReliabilityConfig tunes the guard rails around a backend
type ReliabilityConfig struct {
	// CallsPerSecond and Burst bound the global backend call rate
	CallsPerSecond float64
	Burst          int

	// MaxAttempts includes the first call
	MaxAttempts uint
	RetryDelay  time.Duration
	CallTimeout time.Duration

	// FailureThreshold consecutive failures open the circuit for OpenTimeout
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultReliabilityConfig returns the production defaults
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		CallsPerSecond:   20,
		Burst:            5,
		MaxAttempts:      3,
		RetryDelay:       200 * time.Millisecond,
		CallTimeout:      30 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// ReliableProvider wraps a Provider with a call-rate limiter, a circuit
// breaker and retries with backoff. Only retryable errors are retried and
// only they count toward opening the circuit.
type ReliableProvider struct {
	next    Provider
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewReliableProvider creates a ReliableProvider around next
func NewReliableProvider(next Provider, cfg ReliabilityConfig, metrics *observability.Metrics, logger *zap.Logger) *ReliableProvider {
	def := DefaultReliabilityConfig()
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = def.CallsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}

	p := &ReliableProvider{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		metrics: metrics,
		logger:  logger,
	}

	threshold := cfg.FailureThreshold
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerValue(to))
			logger.Warn("backend circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(next.Name()).Set(0)

	return p
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Name returns the wrapped backend name
func (p *ReliableProvider) Name() string {
	return p.next.Name()
}

// State returns the circuit breaker state
func (p *ReliableProvider) State() gobreaker.State {
	return p.cb.State()
}

// Invoke calls the backend through the limiter, breaker and retry loop
func (p *ReliableProvider) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		p.metrics.BackendCalls.WithLabelValues(req.ModelID, StatusThrottled).Inc()
		return nil, NewProviderError(p.Name(), StatusThrottled, "backend call rate exceeded", false, err)
	}

	result, err := p.cb.Execute(func() (interface{}, error) {
		var (
			resp    *Response
			lastErr error
		)
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(p.cfg.MaxAttempts),
			retry.Delay(p.cfg.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(IsRetryable),
		)
		retryErr := r.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()

			var callErr error
			resp, callErr = p.next.Invoke(callCtx, req)
			lastErr = callErr
			return callErr
		})
		if retryErr != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, retryErr
		}
		return resp, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.metrics.BackendCalls.WithLabelValues(req.ModelID, StatusCircuitOpen).Inc()
			return nil, NewProviderError(p.Name(), StatusCircuitOpen, "backend unavailable", false, err)
		}
		p.metrics.BackendCalls.WithLabelValues(req.ModelID, StatusError).Inc()
		p.logger.Error("backend call failed",
			zap.String("backend", p.Name()),
			zap.String("model_id", req.ModelID),
			zap.Error(err))
		return nil, err
	}

	p.metrics.BackendCalls.WithLabelValues(req.ModelID, StatusSuccess).Inc()
	return result.(*Response), nil
}
