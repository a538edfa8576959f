package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-guard/internal/observability"
	"github.com/upb/agent-guard/models"
	"go.uber.org/zap"
)

// MockProvider is a testify double for Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string {
	return "mock"
}

func (m *MockProvider) Invoke(ctx context.Context, req *Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func fastConfig() ReliabilityConfig {
	return ReliabilityConfig{
		CallsPerSecond:   1000,
		Burst:            100,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		CallTimeout:      time.Second,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			var v float64
			for _, m := range f.GetMetric() {
				v += m.GetGauge().GetValue() + m.GetCounter().GetValue()
			}
			return v
		}
	}
	return 0
}

var transient = NewProviderError("mock", "unavailable", "temporarily unavailable", true, nil)

func TestReliableProvider_Success(t *testing.T) {
	next := new(MockProvider)
	want := &Response{Text: "ok", Usage: models.TokenUsage{InputTokens: 3, OutputTokens: 4}}
	next.On("Invoke", mock.Anything, mock.Anything).Return(want, nil).Once()

	reg := prometheus.NewRegistry()
	p := NewReliableProvider(next, fastConfig(), observability.NewMetrics(reg), zap.NewNop())

	resp, err := p.Invoke(context.Background(), &Request{ModelID: "m"})
	require.NoError(t, err)
	assert.Equal(t, want, resp)
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, 1.0, gaugeValue(t, reg, "agent_guard_backend_calls_total"))
	next.AssertExpectations(t)
}

func TestReliableProvider_RetriesTransientErrors(t *testing.T) {
	next := new(MockProvider)
	next.On("Invoke", mock.Anything, mock.Anything).Return(nil, transient).Twice()
	next.On("Invoke", mock.Anything, mock.Anything).Return(&Response{Text: "ok"}, nil).Once()

	p := NewReliableProvider(next, fastConfig(), nil, zap.NewNop())

	resp, err := p.Invoke(context.Background(), &Request{ModelID: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	next.AssertNumberOfCalls(t, "Invoke", 3)
}

func TestReliableProvider_DoesNotRetryPermanentErrors(t *testing.T) {
	next := new(MockProvider)
	permanent := NewProviderError("mock", "invalid_request", "rejected", false, nil)
	next.On("Invoke", mock.Anything, mock.Anything).Return(nil, permanent)

	p := NewReliableProvider(next, fastConfig(), nil, zap.NewNop())

	_, err := p.Invoke(context.Background(), &Request{ModelID: "m"})
	require.Error(t, err)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "invalid_request", perr.Code)
	next.AssertNumberOfCalls(t, "Invoke", 1)

	// permanent errors never open the circuit
	for i := 0; i < 3; i++ {
		_, _ = p.Invoke(context.Background(), &Request{ModelID: "m"})
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestReliableProvider_OpensCircuit(t *testing.T) {
	next := new(MockProvider)
	next.On("Invoke", mock.Anything, mock.Anything).Return(nil, transient)

	reg := prometheus.NewRegistry()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	p := NewReliableProvider(next, cfg, observability.NewMetrics(reg), zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := p.Invoke(context.Background(), &Request{ModelID: "m"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())
	assert.Equal(t, 2.0, gaugeValue(t, reg, "agent_guard_circuit_breaker_state"))

	_, err := p.Invoke(context.Background(), &Request{ModelID: "m"})
	require.Error(t, err)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StatusCircuitOpen, perr.Code)
	next.AssertNumberOfCalls(t, "Invoke", 2)
}

func TestReliableProvider_ThrottledByCallRate(t *testing.T) {
	next := new(MockProvider)
	p := NewReliableProvider(next, fastConfig(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Invoke(ctx, &Request{ModelID: "m"})
	require.Error(t, err)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StatusThrottled, perr.Code)
	next.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestRequestFromAction(t *testing.T) {
	action := &models.Action{
		AgentID:         "main",
		ModelID:         "us.amazon.nova-pro-v1:0",
		RequestedTokens: 500,
		PayloadText:     "hello",
		SystemPrompt:    "sys",
	}
	req := RequestFromAction(action)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Equal(t, []models.Message{{Role: "user", Content: "hello"}}, req.Conversation())
	assert.Equal(t, "sys", req.SystemPrompt)
}
