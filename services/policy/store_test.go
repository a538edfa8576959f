package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MockPolicyRepository is a mock implementation of repositories.PolicyRepository
type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) List(ctx context.Context) ([]*models.AgentPolicy, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.([]*models.AgentPolicy), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) Get(ctx context.Context, agentID string) (*models.AgentPolicy, error) {
	args := m.Called(ctx, agentID)
	if p := args.Get(0); p != nil {
		return p.(*models.AgentPolicy), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPolicyRepository) Upsert(ctx context.Context, policy *models.AgentPolicy) error {
	return m.Called(ctx, policy).Error(0)
}

func (m *MockPolicyRepository) Delete(ctx context.Context, agentID string) error {
	return m.Called(ctx, agentID).Error(0)
}

func testPolicy(id string) *models.AgentPolicy {
	return &models.AgentPolicy{
		AgentID:        id,
		AllowedModels:  []string{"nova-lite"},
		AllowedActions: []string{"chat"},
		MaxTokens:      1000,
		RateLimit:      models.RateLimitConfig{RequestsPerMinute: 5, TokensPerHour: 10000},
	}
}

func writePolicyFile(t *testing.T, name string, policies map[string]*models.AgentPolicy) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	var (
		data []byte
		err  error
	)
	if filepath.Ext(name) == ".json" {
		data, err = json.Marshal(policies)
	} else {
		data, err = yaml.Marshal(policies)
	}
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestStore_EmptyUntilLoaded(t *testing.T) {
	store := NewStore(NewStaticSource(nil), zap.NewNop())

	_, ok := store.Get("main")
	assert.False(t, ok)
	assert.Empty(t, store.List())
}

func TestStore_StaticDefaults(t *testing.T) {
	store := NewStore(NewStaticSource(nil), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))

	assert.Equal(t, []string{"default", "main", "public"}, store.AgentIDs())

	p, ok := store.Get("public")
	require.True(t, ok)
	assert.Equal(t, 5, p.RateLimit.RequestsPerMinute)

	_, ok = store.Get("stranger")
	assert.False(t, ok, "unknown agents never fall back to the default policy")
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore(NewStaticSource(map[string]*models.AgentPolicy{"a": testPolicy("a")}), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))

	p, _ := store.Get("a")
	p.AllowedModels[0] = "tampered"

	again, _ := store.Get("a")
	assert.Equal(t, "nova-lite", again.AllowedModels[0])
}

func TestStore_FileSource(t *testing.T) {
	for _, name := range []string{"policies.json", "policies.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := writePolicyFile(t, name, map[string]*models.AgentPolicy{
				"alpha": testPolicy(""),
				"beta":  testPolicy("beta"),
			})

			store := NewStore(NewFileSource(path), zap.NewNop())
			require.NoError(t, store.Reload(context.Background()))

			alpha, ok := store.Get("alpha")
			require.True(t, ok)
			assert.Equal(t, "alpha", alpha.AgentID)
			assert.Equal(t, 2, store.Stats().Agents)
		})
	}
}

func TestStore_CorruptFileKeepsPreviousSnapshot(t *testing.T) {
	path := writePolicyFile(t, "policies.json", map[string]*models.AgentPolicy{"alpha": testPolicy("alpha")})
	store := NewStore(NewFileSource(path), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	err := store.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, services.IsConfigFaultError(err))

	_, ok := store.Get("alpha")
	assert.True(t, ok, "previous policies stay active")
}

func TestStore_MissingFileAtStartupDeniesAll(t *testing.T) {
	store := NewStore(NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")), zap.NewNop())

	err := store.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, services.IsConfigFaultError(err))
	assert.Empty(t, store.List())
}

func TestStore_InvalidEntryExcluded(t *testing.T) {
	bad := testPolicy("broken")
	bad.AllowedModels = nil
	mismatched := testPolicy("someone-else")

	path := writePolicyFile(t, "policies.yaml", map[string]*models.AgentPolicy{
		"good":    testPolicy("good"),
		"broken":  bad,
		"claimed": mismatched,
	})
	store := NewStore(NewFileSource(path), zap.NewNop())

	err := store.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, services.IsConfigFaultError(err))
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "claimed")

	_, ok := store.Get("good")
	assert.True(t, ok)
	_, ok = store.Get("broken")
	assert.False(t, ok)
	_, ok = store.Get("claimed")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, 1, stats.Agents)
	assert.Contains(t, stats.Faults, "broken")
}

func TestStore_UpsertAndRemovePersistToFile(t *testing.T) {
	path := writePolicyFile(t, "policies.yaml", map[string]*models.AgentPolicy{
		models.DefaultPolicyID: testPolicy(models.DefaultPolicyID),
	})
	store := NewStore(NewFileSource(path), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))

	require.NoError(t, store.Upsert(context.Background(), testPolicy("worker")))

	reloaded := NewStore(NewFileSource(path), zap.NewNop())
	require.NoError(t, reloaded.Reload(context.Background()))
	assert.Equal(t, []string{"default", "worker"}, reloaded.AgentIDs())

	require.NoError(t, store.Remove(context.Background(), "worker"))
	require.NoError(t, reloaded.Reload(context.Background()))
	assert.Equal(t, []string{"default"}, reloaded.AgentIDs())
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	store := NewStore(NewStaticSource(nil), zap.NewNop())

	p := testPolicy("x")
	p.MaxTokens = 0
	err := store.Upsert(context.Background(), p)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))

	err = store.Upsert(context.Background(), nil)
	assert.True(t, services.IsValidationError(err))
}

func TestStore_RemoveRules(t *testing.T) {
	store := NewStore(NewStaticSource(nil), zap.NewNop())
	require.NoError(t, store.Reload(context.Background()))

	err := store.Remove(context.Background(), models.DefaultPolicyID)
	assert.ErrorIs(t, err, services.ErrDefaultPolicyLocked)

	err = store.Remove(context.Background(), "ghost")
	assert.True(t, services.IsNotFoundError(err))

	require.NoError(t, store.Remove(context.Background(), "public"))
	_, ok := store.Get("public")
	assert.False(t, ok)
}

func TestStore_RepositorySource(t *testing.T) {
	ctx := context.Background()

	t.Run("loads and persists through the repository", func(t *testing.T) {
		repo := new(MockPolicyRepository)
		repo.On("List", ctx).Return([]*models.AgentPolicy{testPolicy("db-agent")}, nil)
		repo.On("Upsert", ctx, mock.MatchedBy(func(p *models.AgentPolicy) bool { return p.AgentID == "new" })).Return(nil)

		store := NewStore(NewRepositorySource(repo), zap.NewNop())
		require.NoError(t, store.Reload(ctx))
		assert.Equal(t, "postgres", store.Stats().Source)

		require.NoError(t, store.Upsert(ctx, testPolicy("new")))
		assert.Equal(t, []string{"db-agent", "new"}, store.AgentIDs())
		repo.AssertExpectations(t)
	})

	t.Run("empty table is a config fault", func(t *testing.T) {
		repo := new(MockPolicyRepository)
		repo.On("List", ctx).Return([]*models.AgentPolicy{}, nil)

		store := NewStore(NewRepositorySource(repo), zap.NewNop())
		assert.True(t, services.IsConfigFaultError(store.Reload(ctx)))
	})

	t.Run("failed write leaves the catalog unchanged", func(t *testing.T) {
		repo := new(MockPolicyRepository)
		repo.On("List", ctx).Return([]*models.AgentPolicy{testPolicy("db-agent")}, nil)
		repo.On("Upsert", ctx, mock.Anything).Return(errors.New("db down"))

		store := NewStore(NewRepositorySource(repo), zap.NewNop())
		require.NoError(t, store.Reload(ctx))

		require.Error(t, store.Upsert(ctx, testPolicy("new")))
		_, ok := store.Get("new")
		assert.False(t, ok)
	})
}
