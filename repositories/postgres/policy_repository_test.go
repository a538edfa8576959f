package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/agent-guard/models"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDBFromConn(sqlDB, zap.NewNop()), mock
}

var policyRowColumns = []string{
	"agent_id", "description", "allowed_models", "allowed_actions", "allowed_tools", "denied_tools",
	"max_tokens", "requests_per_minute", "tokens_per_hour", "sandbox_mode", "sandbox_scope", "updated_at",
}

func TestPolicyRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepository(db, zap.NewNop())
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(policyRowColumns).
		AddRow("main", "primary", "{nova-lite,claude-sonnet}", "{chat,code}", "{}", "{shell}",
			8192, 30, 500000, "off", "", now).
		AddRow("public", "", "{nova-lite}", "{chat}", "{}", "{}",
			2048, 5, 10000, "all", "agent", now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_policies ORDER BY agent_id")).WillReturnRows(rows)

	policies, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)

	main := policies[0]
	assert.Equal(t, "main", main.AgentID)
	assert.Equal(t, []string{"nova-lite", "claude-sonnet"}, main.AllowedModels)
	assert.Equal(t, []string{"chat", "code"}, main.AllowedActions)
	assert.Equal(t, []string{"shell"}, main.DeniedTools)
	assert.Equal(t, 8192, main.MaxTokens)
	assert.Equal(t, 30, main.RateLimit.RequestsPerMinute)
	assert.Equal(t, 500000, main.RateLimit.TokensPerHour)
	assert.Equal(t, "off", main.Sandbox.Mode)

	assert.Equal(t, "agent", policies[1].Sandbox.Scope)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepository_List_QueryError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	_, err := repo.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list policies")
}

func TestPolicyRepository_Get(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPolicyRepository(db, zap.NewNop())

		rows := sqlmock.NewRows(policyRowColumns).
			AddRow("public", "", "{nova-lite}", "{chat}", "{}", "{}", 2048, 5, 10000, "", "", time.Now())
		mock.ExpectQuery(regexp.QuoteMeta("WHERE agent_id = $1")).
			WithArgs("public").
			WillReturnRows(rows)

		p, err := repo.Get(context.Background(), "public")
		require.NoError(t, err)
		assert.Equal(t, "public", p.AgentID)
		assert.True(t, p.AllowsModel("nova-lite"))
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPolicyRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(context.Background(), "ghost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy not found")
	})
}

func TestPolicyRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepository(db, zap.NewNop())
	updated := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

	policy := &models.AgentPolicy{
		AgentID:        "worker",
		AllowedModels:  []string{"nova-lite"},
		AllowedActions: []string{"summarize"},
		MaxTokens:      1024,
		RateLimit:      models.RateLimitConfig{RequestsPerMinute: 3, TokensPerHour: 5000},
		UpdatedAt:      updated,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (agent_id) DO UPDATE")).
		WithArgs("worker", "", pq.Array([]string{"nova-lite"}), pq.Array([]string{"summarize"}),
			pq.Array([]string(nil)), pq.Array([]string(nil)), 1024, 3, 5000, "", "", updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), policy))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepository_Delete(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPolicyRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM agent_policies")).
			WithArgs("worker").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Delete(context.Background(), "worker"))
	})

	t.Run("missing row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPolicyRepository(db, zap.NewNop())

		mock.ExpectExec("DELETE").WithArgs("ghost").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Delete(context.Background(), "ghost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy not found")
	})
}

func TestDB_HealthCheck(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnError(errors.New("down"))
	assert.Error(t, db.HealthCheck(context.Background()))
}

func TestDB_InitSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS agent_policies")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFactory(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	factory := NewRepositoryFactoryFromDB(NewDBFromConn(sqlDB, zap.NewNop()), zap.NewNop())

	repos := factory.NewRepositories()
	require.NotNil(t, repos.Policies)
	assert.Same(t, sqlDB, factory.GetDB().DB)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS agent_policies")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, factory.InitSchema(context.Background()))

	mock.ExpectClose()
	require.NoError(t, factory.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
