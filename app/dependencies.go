package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/agent-guard/config"
	"github.com/upb/agent-guard/handlers"
	"github.com/upb/agent-guard/internal/observability"
	"github.com/upb/agent-guard/internal/prompt"
	"github.com/upb/agent-guard/middleware"
	"github.com/upb/agent-guard/repositories/postgres"
	"github.com/upb/agent-guard/services/audit"
	"github.com/upb/agent-guard/services/inference"
	"github.com/upb/agent-guard/services/permission"
	"github.com/upb/agent-guard/services/policy"
	"github.com/upb/agent-guard/services/pricing"
	"github.com/upb/agent-guard/services/providers"
	"github.com/upb/agent-guard/services/providers/bedrock"
	"github.com/upb/agent-guard/services/ratelimit"
	"github.com/upb/agent-guard/services/security"
	"github.com/upb/agent-guard/services/validator"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint
var Version = "dev"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Optional backing services, nil unless configured
	RepoFactory *postgres.RepositoryFactory
	Redis       redis.UniversalClient

	// Admission pipeline
	Policies    *policy.Store
	Pricing     *pricing.Table
	Validator   *validator.Service
	Permissions *permission.Engine
	RateLimiter *ratelimit.Service
	AuditSink   *audit.FileSink
	Audit       *audit.Service
	Security    *security.Middleware

	// Inference backend, nil when Bedrock is disabled
	Provider  providers.Provider
	Inference *inference.InferenceService

	// HTTP
	Identity         *middleware.AgentIdentity
	ActionHandler    *handlers.ActionHandler
	InferenceHandler *handlers.InferenceHandler
	AuditHandler     *handlers.AuditHandler
	AgentHandler     *handlers.AgentHandler
	HealthHandler    *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = observability.NewMetrics(deps.Registry)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"policies", deps.initPolicies},
		{"screening", deps.initScreening},
		{"rate limiter", deps.initRateLimiter},
		{"audit", deps.initAudit},
		{"inference backend", deps.initProvider},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.initSecurity()
	deps.initHandlers()

	logger.Info("all dependencies initialized successfully",
		zap.String("policy_source", cfg.Policy.Source),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Bool("inference_enabled", deps.Inference != nil))
	return deps, nil
}

// initPolicies builds the policy store and performs the first load.
// A failed first load leaves the store empty so every agent is denied.
func (d *Dependencies) initPolicies(ctx context.Context) error {
	var source policy.Source
	switch d.Config.Policy.Source {
	case config.PolicySourceFile:
		source = policy.NewFileSource(d.Config.Policy.File)
	case config.PolicySourcePostgres:
		factory, err := postgres.NewRepositoryFactory(d.Config.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		source = policy.NewRepositorySource(factory.NewRepositories().Policies)
	default:
		source = policy.NewStaticSource(nil)
	}

	d.Policies = policy.NewStore(source, d.Logger)
	if err := d.Policies.Reload(ctx); err != nil {
		d.Metrics.ConfigFaults.WithLabelValues("policy").Inc()
		d.Logger.Error("initial policy load incomplete", zap.Error(err))
	}
	return nil
}

// initScreening loads the signature catalog and the price table
func (d *Dependencies) initScreening(ctx context.Context) error {
	d.Pricing = pricing.DefaultTable()
	if path := d.Config.Policy.PricingFile; path != "" {
		table, err := pricing.LoadTableFile(path)
		if err != nil {
			return err
		}
		d.Pricing = table
	}

	signatures := prompt.DefaultCatalog()
	if path := d.Config.Policy.SignaturesFile; path != "" {
		catalog, err := prompt.LoadCatalogFile(path)
		if err != nil {
			return err
		}
		signatures = catalog
	}

	d.Validator = validator.NewService(signatures, d.Pricing, d.Logger)
	d.Permissions = permission.NewEngine()
	return nil
}

// initRateLimiter selects the in-memory or Redis window store
func (d *Dependencies) initRateLimiter(ctx context.Context) error {
	windows := ratelimit.Windows{
		Request: d.Config.RateLimit.RequestWindow,
		Token:   d.Config.RateLimit.TokenWindow,
	}

	var store ratelimit.Store
	switch d.Config.RateLimit.Backend {
	case config.RateLimitRedis:
		opts, err := redis.ParseURL(d.Config.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		d.Redis = client
		store = ratelimit.NewRedisStore(client, d.Config.RateLimit.RedisPrefix, windows, nil)
	default:
		store = ratelimit.NewMemoryStore(windows, nil)
	}

	d.RateLimiter = ratelimit.NewService(store, d.Policies, windows, d.Logger)
	d.Logger.Info("rate limiter initialized", zap.String("store", store.Name()))
	return nil
}

// initAudit opens the JSONL audit trail
func (d *Dependencies) initAudit(ctx context.Context) error {
	sink, err := audit.NewFileSink(d.Config.Audit.Dir, nil, d.Logger)
	if err != nil {
		return err
	}
	d.AuditSink = sink
	d.Audit = audit.NewService(sink, d.Logger)
	return nil
}

// initProvider wires Bedrock behind the reliability wrapper
func (d *Dependencies) initProvider(ctx context.Context) error {
	bc := d.Config.Bedrock
	if !bc.Enabled {
		d.Logger.Warn("bedrock disabled, inference endpoint not served")
		return nil
	}

	adapter, err := bedrock.NewAdapter(ctx, bedrock.Config{Region: bc.Region, Profile: bc.Profile}, d.Logger)
	if err != nil {
		return err
	}

	rc := providers.DefaultReliabilityConfig()
	rc.CallsPerSecond = bc.CallsPerSecond
	if bc.Burst > 0 {
		rc.Burst = bc.Burst
	}
	rc.MaxAttempts = uint(bc.MaxRetries) + 1
	if bc.Timeout > 0 {
		rc.CallTimeout = bc.Timeout
	}
	rc.FailureThreshold = uint32(bc.FailureThreshold)
	if bc.OpenTimeout > 0 {
		rc.OpenTimeout = bc.OpenTimeout
	}

	d.Provider = providers.NewReliableProvider(adapter, rc, d.Metrics, d.Logger)
	return nil
}

func (d *Dependencies) initSecurity() {
	d.Security = security.NewMiddleware(security.Deps{
		Policies:       d.Policies,
		Validator:      d.Validator,
		Permissions:    d.Permissions,
		Limiter:        d.RateLimiter,
		Sink:           d.AuditSink,
		Audit:          d.Audit,
		Pricing:        d.Pricing,
		Metrics:        d.Metrics,
		SignaturesFile: d.Config.Policy.SignaturesFile,
	}, d.Logger)

	if d.Provider != nil {
		d.Inference = inference.NewInferenceService(d.Security, d.Provider, d.Logger)
	}
}

func (d *Dependencies) initHandlers() {
	d.Identity = middleware.NewAgentIdentity(d.Config.Gateway.JWTSecret, d.Config.Gateway.AgentIDHeader, d.Logger)
	d.ActionHandler = handlers.NewActionHandler(d.Security, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
	d.AgentHandler = handlers.NewAgentHandler(d.Policies, d.Security, d.Logger)
	if d.Inference != nil {
		d.InferenceHandler = handlers.NewInferenceHandler(d.Inference, d.Logger)
	}
	d.HealthHandler = handlers.NewHealthHandler(Version, d.Policies, d.healthChecks(), d.Logger)
}

// healthChecks checks the audit directory and whichever optional backends are configured
func (d *Dependencies) healthChecks() map[string]handlers.Checker {
	checks := map[string]handlers.Checker{
		"audit": func(context.Context) error {
			info, err := os.Stat(d.Config.Audit.Dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return errors.New("audit path is not a directory")
			}
			return nil
		},
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	if d.RepoFactory != nil {
		checks["database"] = d.RepoFactory.GetDB().HealthCheck
	}
	return checks
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.AuditSink != nil {
		if err := d.AuditSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
