package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/agent-guard/services"
)

// Each agent owns four keys sharing one hash tag:
//   req      ZSET reservation id scored by admission time (ms)
//   tok      ZSET reservation id scored by admission time (ms)
//   amt      HASH reservation id -> tokens
//   pending  ZSET uncorrected reservation ids scored by admission time (ms)

var reserveScript = redis.NewScript(`
local req_key, tok_key, amt_key, pending_key = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local req_window = tonumber(ARGV[2])
local tok_window = tonumber(ARGV[3])
local max_requests = tonumber(ARGV[4])
local max_tokens = tonumber(ARGV[5])
local requested = tonumber(ARGV[6])
local id = ARGV[7]

redis.call("ZREMRANGEBYSCORE", req_key, "-inf", now - req_window)
local expired = redis.call("ZRANGEBYSCORE", tok_key, "-inf", now - tok_window)
if #expired > 0 then
  redis.call("ZREMRANGEBYSCORE", tok_key, "-inf", now - tok_window)
  redis.call("ZREMRANGEBYSCORE", pending_key, "-inf", now - tok_window)
  for _, member in ipairs(expired) do
    redis.call("HDEL", amt_key, member)
  end
end

local count = redis.call("ZCARD", req_key)
if count + 1 > max_requests then
  local oldest = redis.call("ZRANGE", req_key, 0, 0, "WITHSCORES")
  local retry = 0
  if #oldest == 2 then
    retry = tonumber(oldest[2]) + req_window - now
  end
  return {0, "requests_per_minute", retry}
end

local used = 0
for _, v in ipairs(redis.call("HVALS", amt_key)) do
  used = used + tonumber(v)
end
if used + requested > max_tokens then
  local retry = 0
  if requested <= max_tokens then
    local excess = used + requested - max_tokens
    local entries = redis.call("ZRANGE", tok_key, 0, -1, "WITHSCORES")
    for i = 1, #entries, 2 do
      excess = excess - tonumber(redis.call("HGET", amt_key, entries[i]) or 0)
      if excess <= 0 then
        retry = tonumber(entries[i + 1]) + tok_window - now
        break
      end
    end
  end
  return {0, "tokens_per_hour", retry}
end

redis.call("ZADD", req_key, now, id)
redis.call("ZADD", tok_key, now, id)
redis.call("ZADD", pending_key, now, id)
redis.call("HSET", amt_key, id, requested)
redis.call("PEXPIRE", req_key, req_window)
redis.call("PEXPIRE", tok_key, tok_window)
redis.call("PEXPIRE", pending_key, tok_window)
redis.call("PEXPIRE", amt_key, tok_window)
return {1, "", 0}
`)

var correctScript = redis.NewScript(`
local tok_key, amt_key, pending_key = KEYS[1], KEYS[2], KEYS[3]
local id = ARGV[1]
local horizon = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", pending_key, "-inf", horizon)
if id == "" then
  local first = redis.call("ZRANGE", pending_key, 0, 0)
  if #first == 0 then
    return 0
  end
  id = first[1]
end

local score = redis.call("ZSCORE", tok_key, id)
if not score or tonumber(score) <= horizon then
  redis.call("ZREM", pending_key, id)
  return 0
end
if redis.call("ZREM", pending_key, id) == 0 then
  return -1
end
redis.call("HSET", amt_key, id, ARGV[2])
return 1
`)

var stateScript = redis.NewScript(`
local req_key, tok_key, amt_key, pending_key = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local req_window = tonumber(ARGV[2])
local tok_window = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", req_key, "-inf", now - req_window)
local expired = redis.call("ZRANGEBYSCORE", tok_key, "-inf", now - tok_window)
if #expired > 0 then
  redis.call("ZREMRANGEBYSCORE", tok_key, "-inf", now - tok_window)
  redis.call("ZREMRANGEBYSCORE", pending_key, "-inf", now - tok_window)
  for _, member in ipairs(expired) do
    redis.call("HDEL", amt_key, member)
  end
end

local used = 0
for _, v in ipairs(redis.call("HVALS", amt_key)) do
  used = used + tonumber(v)
end
local oldest = 0
local first = redis.call("ZRANGE", req_key, 0, 0, "WITHSCORES")
if #first == 2 then
  oldest = tonumber(first[2])
end
return {redis.call("ZCARD", req_key), used, oldest, redis.call("ZCARD", pending_key)}
`)

// RedisStore keeps windows in Redis so several gateway replicas share one budget.
// Every operation is a single Lua script, which Redis runs atomically.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	windows Windows
	now     func() time.Time
}

// NewRedisStore creates a RedisStore. A nil clock means time.Now.
func NewRedisStore(client redis.UniversalClient, prefix string, windows Windows, now func() time.Time) *RedisStore {
	if prefix == "" {
		prefix = "guard:rl:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		windows: windows.withDefaults(),
		now:     now,
	}
}

// Name identifies the store in logs
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) keys(agentID string) []string {
	base := s.prefix + "{" + agentID + "}:"
	return []string{base + "req", base + "tok", base + "amt", base + "pending"}
}

// Reserve runs the check-and-reserve script
func (s *RedisStore) Reserve(ctx context.Context, agentID string, limits Limits, tokens int, reservationID string) (Reservation, error) {
	res, err := reserveScript.Run(ctx, s.client, s.keys(agentID),
		s.now().UnixMilli(),
		s.windows.Request.Milliseconds(),
		s.windows.Token.Milliseconds(),
		limits.Requests,
		limits.Tokens,
		tokens,
		reservationID,
	).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("rate limit reserve failed: %w", err)
	}
	if len(res) < 3 {
		return Reservation{}, fmt.Errorf("rate limit reserve returned %d values", len(res))
	}

	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return Reservation{Admitted: true, ID: reservationID}, nil
	}
	window, _ := res[1].(string)
	retryMs, _ := res[2].(int64)
	return Reservation{Window: window, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

// Correct runs the correction script
func (s *RedisStore) Correct(ctx context.Context, agentID, reservationID string, tokens int) error {
	keys := s.keys(agentID)
	horizon := s.now().Add(-s.windows.Token).UnixMilli()
	n, err := correctScript.Run(ctx, s.client, keys[1:], reservationID, tokens, horizon).Int64()
	if err != nil {
		return fmt.Errorf("rate limit correction failed: %w", err)
	}
	switch n {
	case 0:
		return services.ErrReservationNotFound
	case -1:
		return services.ErrReservationSettled
	}
	return nil
}

// State prunes and reads the agent's windows
func (s *RedisStore) State(ctx context.Context, agentID string) (WindowState, error) {
	res, err := stateScript.Run(ctx, s.client, s.keys(agentID),
		s.now().UnixMilli(),
		s.windows.Request.Milliseconds(),
		s.windows.Token.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("rate limit state failed: %w", err)
	}
	if len(res) < 4 {
		return WindowState{}, fmt.Errorf("rate limit state returned %d values", len(res))
	}

	st := WindowState{Requests: int(res[0]), Tokens: int(res[1]), Pending: int(res[3])}
	if res[2] > 0 {
		st.OldestRequest = time.UnixMilli(res[2])
	}
	return st, nil
}

// Reset deletes the agent's keys
func (s *RedisStore) Reset(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, s.keys(agentID)...).Err(); err != nil {
		return fmt.Errorf("rate limit reset failed: %w", err)
	}
	return nil
}
