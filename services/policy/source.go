package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/repositories"
	"gopkg.in/yaml.v3"
)

// Source supplies the agent policy catalog
type Source interface {
	Load(ctx context.Context) ([]*models.AgentPolicy, error)
	Name() string
}

// Writer is implemented by sources that persist catalog changes
type Writer interface {
	Upsert(ctx context.Context, policy *models.AgentPolicy, all []*models.AgentPolicy) error
	Remove(ctx context.Context, agentID string, all []*models.AgentPolicy) error
}

// StaticSource serves a fixed in-memory catalog
type StaticSource struct {
	policies map[string]*models.AgentPolicy
}

// NewStaticSource creates a StaticSource; a nil map selects the built-in catalog
func NewStaticSource(policies map[string]*models.AgentPolicy) *StaticSource {
	if policies == nil {
		policies = models.DefaultPolicies()
	}
	return &StaticSource{policies: policies}
}

// Load returns copies of the fixed catalog
func (s *StaticSource) Load(ctx context.Context) ([]*models.AgentPolicy, error) {
	out := make([]*models.AgentPolicy, 0, len(s.policies))
	for id, p := range s.policies {
		c := p.Clone()
		if c.AgentID == "" {
			c.AgentID = id
		}
		out = append(out, c)
	}
	return out, nil
}

// Name identifies the source in logs
func (s *StaticSource) Name() string { return "builtin" }

// FileSource reads a flat agent_id -> policy map from a JSON or YAML file
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name identifies the source in logs
func (s *FileSource) Name() string { return "file:" + s.path }

// Load parses the policy file. YAML is a superset of JSON, so one decoder serves both.
func (s *FileSource) Load(ctx context.Context) ([]*models.AgentPolicy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var raw map[string]*models.AgentPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("policy file %s defines no agents", s.path)
	}

	out := make([]*models.AgentPolicy, 0, len(raw))
	for id, p := range raw {
		if p == nil {
			p = &models.AgentPolicy{}
		}
		if p.AgentID == "" {
			p.AgentID = id
		} else if p.AgentID != id {
			// an entry whose body names another agent is replaced by one that fails validation
			p = &models.AgentPolicy{AgentID: id, Description: "agent_id mismatch: " + p.AgentID}
		}
		out = append(out, p)
	}
	return out, nil
}

// Upsert rewrites the file with the updated catalog
func (s *FileSource) Upsert(ctx context.Context, policy *models.AgentPolicy, all []*models.AgentPolicy) error {
	return s.writeAll(all)
}

// Remove rewrites the file without the removed agent
func (s *FileSource) Remove(ctx context.Context, agentID string, all []*models.AgentPolicy) error {
	return s.writeAll(all)
}

// writeAll replaces the file atomically via a temp file in the same directory
func (s *FileSource) writeAll(all []*models.AgentPolicy) error {
	// both encoders emit map keys in sorted order
	byID := make(map[string]*models.AgentPolicy, len(all))
	for _, p := range all {
		byID[p.AgentID] = p
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(byID)
	default:
		data, err = json.MarshalIndent(byID, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode policies: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policies-*")
	if err != nil {
		return fmt.Errorf("failed to create temp policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write policies: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync policies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close policies: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// RepositorySource loads policies from a database repository
type RepositorySource struct {
	repo repositories.PolicyRepository
}

// NewRepositorySource creates a RepositorySource
func NewRepositorySource(repo repositories.PolicyRepository) *RepositorySource {
	return &RepositorySource{repo: repo}
}

// Name identifies the source in logs
func (s *RepositorySource) Name() string { return "postgres" }

// Load lists all stored policies
func (s *RepositorySource) Load(ctx context.Context) ([]*models.AgentPolicy, error) {
	policies, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, errors.New("policy table is empty")
	}
	return policies, nil
}

// Upsert stores one policy
func (s *RepositorySource) Upsert(ctx context.Context, policy *models.AgentPolicy, all []*models.AgentPolicy) error {
	return s.repo.Upsert(ctx, policy)
}

// Remove deletes one policy
func (s *RepositorySource) Remove(ctx context.Context, agentID string, all []*models.AgentPolicy) error {
	return s.repo.Delete(ctx, agentID)
}
