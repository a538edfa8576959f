package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/agent-guard/utils"
	"go.uber.org/zap"
)

// DefaultAgentIDHeader names the header read when no assertion secret is configured
const DefaultAgentIDHeader = "X-Agent-ID"

const assertionLeeway = 30 * time.Second

// IdentityClaims is the assertion minted by the upstream gateway after it authenticated the agent
type IdentityClaims struct {
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// AgentIdentity establishes which agent a request speaks for. With a secret
// it requires an HS256 bearer assertion; without one it trusts a header set
// by the upstream gateway. Authentication itself stays upstream.
type AgentIdentity struct {
	secret []byte
	header string
	logger *zap.Logger
}

// NewAgentIdentity creates a new AgentIdentity middleware
func NewAgentIdentity(secret, header string, logger *zap.Logger) *AgentIdentity {
	if header == "" {
		header = DefaultAgentIDHeader
	}
	return &AgentIdentity{secret: []byte(secret), header: header, logger: logger}
}

// Identify puts the asserted agent id in the request context
func (m *AgentIdentity) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		if len(m.secret) == 0 {
			if agentID := strings.TrimSpace(r.Header.Get(m.header)); agentID != "" {
				ctx = WithAgentID(ctx, agentID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing agent assertion",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		agentID, err := m.verify(token)
		if err != nil {
			m.logger.Warn("agent assertion rejected",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("agent identified",
			zap.String("request_id", requestID),
			zap.String("agent_id", agentID))
		next.ServeHTTP(w, r.WithContext(WithAgentID(ctx, agentID)))
	})
}

// verify checks the assertion signature and expiry and returns its agent id
func (m *AgentIdentity) verify(tokenString string) (string, error) {
	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(assertionLeeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("assertion expired: %w", err)
		}
		return "", fmt.Errorf("invalid assertion: %w", err)
	}

	agentID := claims.AgentID
	if agentID == "" {
		agentID = claims.Subject
	}
	if agentID == "" {
		return "", errors.New("assertion carries no agent id")
	}
	return agentID, nil
}

// IssueAssertion mints an assertion for agentID valid for ttl
func IssueAssertion(secret, agentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		AgentID: agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
