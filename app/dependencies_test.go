package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-guard/config"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			WriteTimeout: 5 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Policy: config.PolicyConfig{Source: config.PolicySourceBuiltin},
		RateLimit: config.RateLimitConfig{
			Backend:       config.RateLimitMemory,
			RequestWindow: time.Minute,
			TokenWindow:   time.Hour,
		},
		Audit:         config.AuditConfig{Dir: filepath.Join(t.TempDir(), "audit")},
		Gateway:       config.GatewayConfig{AgentIDHeader: "X-Agent-ID"},
		Observability: config.ObservabilityConfig{LogLevel: "info", MetricsEnabled: true},
	}
}

func TestNewDependencies(t *testing.T) {
	t.Run("builtin policies with memory limiter", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)

		deps, err := NewDependencies(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		require.NotNil(t, deps)

		assert.Equal(t, 3, deps.Policies.Stats().Agents)
		assert.Equal(t, "memory", deps.RateLimiter.Store().Name())
		assert.NotNil(t, deps.Security)
		assert.NotNil(t, deps.ActionHandler)
		assert.NotNil(t, deps.AuditHandler)
		assert.NotNil(t, deps.AgentHandler)
		assert.NotNil(t, deps.HealthHandler)
		assert.NotNil(t, deps.Identity)
		assert.Nil(t, deps.Provider)
		assert.Nil(t, deps.InferenceHandler)
		assert.Nil(t, deps.Redis)
		assert.Nil(t, deps.RepoFactory)

		info, err := os.Stat(cfg.Audit.Dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		assert.NoError(t, deps.Close(ctx))
	})

	t.Run("redis limiter", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t)
		cfg.RateLimit.Backend = config.RateLimitRedis
		cfg.RateLimit.RedisURL = "redis://" + mr.Addr()

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(context.Background())

		require.NotNil(t, deps.Redis)
		assert.Equal(t, "redis", deps.RateLimiter.Store().Name())

		checks := deps.healthChecks()
		require.Contains(t, checks, "redis")
		assert.NoError(t, checks["redis"](context.Background()))
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.RateLimit.Backend = config.RateLimitRedis
		cfg.RateLimit.RedisURL = "redis://" + addr

		_, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limiter")
	})

	t.Run("missing policy file starts empty", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Policy.Source = config.PolicySourceFile
		cfg.Policy.File = filepath.Join(t.TempDir(), "missing.yaml")

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(context.Background())

		assert.Equal(t, 0, deps.Policies.Stats().Agents)
	})

	t.Run("policy file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
ops:
  allowed_models: ["us.amazon.nova-pro-v1:0"]
  allowed_actions: ["chat"]
  max_tokens: 1024
  rate_limit:
    requests_per_minute: 2
    tokens_per_hour: 5000
`), 0o600))

		cfg := testConfig(t)
		cfg.Policy.Source = config.PolicySourceFile
		cfg.Policy.File = path

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(context.Background())

		p, ok := deps.Policies.Get("ops")
		require.True(t, ok)
		assert.Equal(t, 1024, p.MaxTokens)
	})

	t.Run("bad signatures file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Policy.SignaturesFile = filepath.Join(t.TempDir(), "missing.yaml")

		_, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "screening")
	})

	t.Run("bedrock enabled wires inference", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Bedrock = config.BedrockConfig{
			Enabled:          true,
			Region:           "us-east-1",
			Timeout:          time.Second,
			MaxRetries:       1,
			CallsPerSecond:   5,
			FailureThreshold: 3,
		}

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(context.Background())

		assert.NotNil(t, deps.Provider)
		assert.NotNil(t, deps.Inference)
		assert.NotNil(t, deps.InferenceHandler)
	})
}

func TestHealthChecks_AuditDir(t *testing.T) {
	cfg := testConfig(t)
	deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer deps.Close(context.Background())

	checks := deps.healthChecks()
	require.Contains(t, checks, "audit")
	assert.NoError(t, checks["audit"](context.Background()))

	require.NoError(t, os.RemoveAll(cfg.Audit.Dir))
	assert.Error(t, checks["audit"](context.Background()))
}
