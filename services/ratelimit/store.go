package ratelimit

import (
	"context"
	"time"
)

// Window names, reported as the matched rule of a rate denial
const (
	WindowRequests = "requests_per_minute"
	WindowTokens   = "tokens_per_hour"
)

// Default sliding window widths
const (
	DefaultRequestWindow = time.Minute
	DefaultTokenWindow   = time.Hour
)

// Limits caps one agent's windows
type Limits struct {
	Requests int
	Tokens   int
}

// Windows holds the width of the two sliding windows
type Windows struct {
	Request time.Duration
	Token   time.Duration
}

// DefaultWindows returns the 60s request window and the 3600s token window
func DefaultWindows() Windows {
	return Windows{Request: DefaultRequestWindow, Token: DefaultTokenWindow}
}

func (w Windows) withDefaults() Windows {
	if w.Request <= 0 {
		w.Request = DefaultRequestWindow
	}
	if w.Token <= 0 {
		w.Token = DefaultTokenWindow
	}
	return w
}

// Reservation is the outcome of a check-and-reserve
type Reservation struct {
	Admitted bool
	ID       string
	// Window names the exhausted window when Admitted is false
	Window string
	// RetryAfter is how long until the exhausted window frees capacity, when known
	RetryAfter time.Duration
}

// WindowState is the pruned content of an agent's windows
type WindowState struct {
	Requests int
	Tokens   int
	// OldestRequest is zero when the request window is empty
	OldestRequest time.Time
	Pending       int
}

// Store owns the per-agent windows. Reserve must be atomic per agent: two
// concurrent calls never both observe the same spare capacity.
type Store interface {
	Reserve(ctx context.Context, agentID string, limits Limits, tokens int, reservationID string) (Reservation, error)
	// Correct replaces a reservation's token estimate with measured usage.
	// An empty reservationID selects the agent's oldest uncorrected reservation.
	// A second correction of the same reservation returns ErrReservationSettled.
	Correct(ctx context.Context, agentID, reservationID string, tokens int) error
	State(ctx context.Context, agentID string) (WindowState, error)
	Reset(ctx context.Context, agentID string) error
	Name() string
}
