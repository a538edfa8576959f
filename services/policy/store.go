package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// snapshot is an immutable view of the catalog. Readers never lock.
type snapshot struct {
	policies map[string]*models.AgentPolicy
	loadedAt time.Time
	faults   map[string]string
}

// Stats describes the active catalog
type Stats struct {
	Source   string            `json:"source"`
	Agents   int               `json:"agents"`
	LoadedAt time.Time         `json:"loaded_at"`
	Faults   map[string]string `json:"faults,omitempty"`
}

// Store holds per-agent policies and swaps them atomically on reload
type Store struct {
	source  Source
	current atomic.Pointer[snapshot]
	mu      sync.Mutex // serializes reload and catalog edits
	logger  *zap.Logger
}

// NewStore creates an empty Store. Until Reload succeeds every agent is unknown.
func NewStore(source Source, logger *zap.Logger) *Store {
	s := &Store{source: source, logger: logger}
	s.current.Store(&snapshot{policies: map[string]*models.AgentPolicy{}})
	return s
}

// Reload reads the source and installs the valid entries.
// If the source fails as a whole the previous snapshot stays active.
// Entries that fail validation are left out so those agents are denied.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Error("policy source failed, keeping previous policies",
			zap.String("source", s.source.Name()),
			zap.Int("active_agents", len(s.current.Load().policies)),
			zap.Error(err))
		return services.WrapConfigFault("policy source unavailable", err)
	}

	policies := make(map[string]*models.AgentPolicy, len(loaded))
	faults := make(map[string]string)
	for _, p := range loaded {
		if p == nil {
			continue
		}
		if err := validatePolicy(p); err != nil {
			faults[p.AgentID] = err.Error()
			continue
		}
		policies[p.AgentID] = p.Clone()
	}

	s.current.Store(&snapshot{policies: policies, loadedAt: time.Now().UTC(), faults: faults})

	s.logger.Info("policies loaded",
		zap.String("source", s.source.Name()),
		zap.Int("agents", len(policies)),
		zap.Int("rejected", len(faults)))

	if len(faults) > 0 {
		ids := make([]string, 0, len(faults))
		for id := range faults {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		s.logger.Error("policies rejected, affected agents are denied",
			zap.Strings("agent_ids", ids))
		return services.WrapConfigFault("invalid policies for agents: "+strings.Join(ids, ","), nil)
	}
	return nil
}

// Get returns a copy of the agent's policy
func (s *Store) Get(agentID string) (*models.AgentPolicy, bool) {
	p, ok := s.current.Load().policies[agentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of all policies ordered by agent id
func (s *Store) List() []*models.AgentPolicy {
	snap := s.current.Load()
	out := make([]*models.AgentPolicy, 0, len(snap.policies))
	for _, p := range snap.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AgentIDs returns the configured agent ids in order
func (s *Store) AgentIDs() []string {
	list := s.List()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.AgentID
	}
	return ids
}

// Upsert adds or replaces an agent's policy and persists it when the source is writable
func (s *Store) Upsert(ctx context.Context, policy *models.AgentPolicy) error {
	if policy == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "policy is required", nil)
	}
	if err := validatePolicy(policy); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid policy", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := policy.Clone()
	stored.UpdatedAt = time.Now().UTC()

	next := s.copyCurrent()
	next.policies[stored.AgentID] = stored
	delete(next.faults, stored.AgentID)

	if w, ok := s.source.(Writer); ok {
		if err := w.Upsert(ctx, stored, values(next.policies)); err != nil {
			return services.WrapInternal("failed to persist policy", err)
		}
	}
	s.current.Store(next)

	s.logger.Info("policy upserted", zap.String("agent_id", stored.AgentID))
	return nil
}

// Remove deletes an agent's policy. The default entry cannot be removed.
func (s *Store) Remove(ctx context.Context, agentID string) error {
	if agentID == models.DefaultPolicyID {
		return services.ErrDefaultPolicyLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyCurrent()
	if _, ok := next.policies[agentID]; !ok {
		return services.NewDomainError(services.ErrorTypeNotFound, "policy not found", nil).
			WithDetail("agent_id", agentID)
	}
	delete(next.policies, agentID)

	if w, ok := s.source.(Writer); ok {
		if err := w.Remove(ctx, agentID, values(next.policies)); err != nil {
			return services.WrapInternal("failed to persist policy removal", err)
		}
	}
	s.current.Store(next)

	s.logger.Info("policy removed", zap.String("agent_id", agentID))
	return nil
}

// Stats returns a description of the active catalog
func (s *Store) Stats() Stats {
	snap := s.current.Load()
	var faults map[string]string
	if len(snap.faults) > 0 {
		faults = make(map[string]string, len(snap.faults))
		for k, v := range snap.faults {
			faults[k] = v
		}
	}
	return Stats{
		Source:   s.source.Name(),
		Agents:   len(snap.policies),
		LoadedAt: snap.loadedAt,
		Faults:   faults,
	}
}

func (s *Store) copyCurrent() *snapshot {
	cur := s.current.Load()
	next := &snapshot{
		policies: make(map[string]*models.AgentPolicy, len(cur.policies)+1),
		loadedAt: cur.loadedAt,
		faults:   make(map[string]string, len(cur.faults)),
	}
	for k, v := range cur.policies {
		next.policies[k] = v
	}
	for k, v := range cur.faults {
		next.faults[k] = v
	}
	return next
}

func values(m map[string]*models.AgentPolicy) []*models.AgentPolicy {
	out := make([]*models.AgentPolicy, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func validatePolicy(p *models.AgentPolicy) error {
	if err := utils.ValidateStruct(p); err != nil {
		var vErr *utils.ValidationError
		if errors.As(err, &vErr) {
			return errors.New(vErr.First())
		}
		return err
	}
	if len(p.AllowedModels) == 0 {
		return fmt.Errorf("allowed_models is empty")
	}
	if len(p.AllowedActions) == 0 {
		return fmt.Errorf("allowed_actions is empty")
	}
	return nil
}
