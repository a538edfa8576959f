package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/upb/agent-guard/services"
)

type tokenEntry struct {
	id        string
	at        time.Time
	tokens    int
	corrected bool
}

// agentWindows is the usage state of one agent, ordered by time
type agentWindows struct {
	mu       sync.Mutex
	requests []time.Time
	tokens   []tokenEntry
}

// prune drops entries that have left their window. Both queues are time
// ordered, so expired entries are always a prefix.
func (a *agentWindows) prune(now time.Time, w Windows) {
	i := 0
	for i < len(a.requests) && now.Sub(a.requests[i]) >= w.Request {
		i++
	}
	if i > 0 {
		a.requests = append(a.requests[:0], a.requests[i:]...)
	}

	j := 0
	for j < len(a.tokens) && now.Sub(a.tokens[j].at) >= w.Token {
		j++
	}
	if j > 0 {
		a.tokens = append(a.tokens[:0], a.tokens[j:]...)
	}
}

func (a *agentWindows) tokenSum() int {
	sum := 0
	for _, e := range a.tokens {
		sum += e.tokens
	}
	return sum
}

// tokenRetryAfter is how long until enough old entries expire to fit
// requested, zero when requested alone exceeds the cap
func (a *agentWindows) tokenRetryAfter(now time.Time, window time.Duration, limit, requested int) time.Duration {
	if requested > limit {
		return 0
	}
	excess := a.tokenSum() + requested - limit
	for _, e := range a.tokens {
		excess -= e.tokens
		if excess <= 0 {
			return window - now.Sub(e.at)
		}
	}
	return 0
}

// MemoryStore keeps windows in process memory, one lock per agent
type MemoryStore struct {
	mu      sync.RWMutex
	agents  map[string]*agentWindows
	windows Windows
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore. A nil clock means time.Now.
func NewMemoryStore(windows Windows, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		agents:  make(map[string]*agentWindows),
		windows: windows.withDefaults(),
		now:     now,
	}
}

// Name identifies the store in logs
func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) agent(agentID string) *agentWindows {
	s.mu.RLock()
	a, ok := s.agents[agentID]
	s.mu.RUnlock()
	if ok {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.agents[agentID]; !ok {
		a = &agentWindows{}
		s.agents[agentID] = a
	}
	return a
}

// Reserve checks both windows and records the request under the agent's lock
func (s *MemoryStore) Reserve(ctx context.Context, agentID string, limits Limits, tokens int, reservationID string) (Reservation, error) {
	a := s.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := s.now()
	a.prune(now, s.windows)

	if len(a.requests)+1 > limits.Requests {
		res := Reservation{Window: WindowRequests}
		if len(a.requests) > 0 {
			res.RetryAfter = s.windows.Request - now.Sub(a.requests[0])
		}
		return res, nil
	}
	if a.tokenSum()+tokens > limits.Tokens {
		return Reservation{Window: WindowTokens, RetryAfter: a.tokenRetryAfter(now, s.windows.Token, limits.Tokens, tokens)}, nil
	}

	a.requests = append(a.requests, now)
	a.tokens = append(a.tokens, tokenEntry{id: reservationID, at: now, tokens: tokens})
	return Reservation{Admitted: true, ID: reservationID}, nil
}

// Correct replaces the token estimate of a reservation still inside the token
// window. Each reservation is corrected at most once.
func (s *MemoryStore) Correct(ctx context.Context, agentID, reservationID string, tokens int) error {
	a := s.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prune(s.now(), s.windows)

	for i := range a.tokens {
		e := &a.tokens[i]
		if reservationID == "" && e.corrected {
			continue
		}
		if reservationID != "" && e.id != reservationID {
			continue
		}
		if e.corrected {
			return services.ErrReservationSettled
		}
		e.tokens = tokens
		e.corrected = true
		return nil
	}
	return services.ErrReservationNotFound
}

// State returns the pruned window content
func (s *MemoryStore) State(ctx context.Context, agentID string) (WindowState, error) {
	a := s.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prune(s.now(), s.windows)

	st := WindowState{Requests: len(a.requests), Tokens: a.tokenSum()}
	if len(a.requests) > 0 {
		st.OldestRequest = a.requests[0]
	}
	for _, e := range a.tokens {
		if !e.corrected {
			st.Pending++
		}
	}
	return st, nil
}

// Reset clears the agent's windows
func (s *MemoryStore) Reset(ctx context.Context, agentID string) error {
	a := s.agent(agentID)
	a.mu.Lock()
	a.requests = nil
	a.tokens = nil
	a.mu.Unlock()
	return nil
}
