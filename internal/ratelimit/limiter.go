// Package ratelimit implements the sliding-window admission control of
// spec.md §4.1 against a shared Redis store, using the teacher's own
// redis/v8 client extended with server-side scripting so admission stays
// atomic across every ingress replica sharing the store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// admitScript implements §4.1 steps 1-5 as a single atomic Lua script:
// prune expired members, read the post-prune cardinality and oldest score,
// and conditionally admit. KEYS[1] is the bucket key; ARGV is
// now_ms, window_ms, limit, member (the request id).
const admitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local remaining = limit - count

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local resetTime = now + window
if oldest[2] ~= nil then
  resetTime = tonumber(oldest[2]) + window
end

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, remaining - 1, resetTime}
end

return {0, 0, resetTime}
`

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Limiter admits or rejects requests against a shared Redis store.
type Limiter struct {
	client      *redis.Client
	script      *redis.Script
	logger      *slog.Logger
	callTimeout time.Duration
}

func New(client *redis.Client, logger *slog.Logger, callTimeout time.Duration) *Limiter {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Limiter{
		client:      client,
		script:      redis.NewScript(admitScript),
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// key derives ratelimit:{userId}:{channel} per §4.1.
func key(userID, channel string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, channel)
}

// Admit runs the atomic admission script for (userID, channel). On any
// Redis error it fails open (admits, logs) per §4.1/§7 — the limiter is a
// soft safeguard, not a security boundary.
func (l *Limiter) Admit(ctx context.Context, userID, channel, requestID string, window time.Duration, limit int) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	now := time.Now()
	k := key(userID, channel)
	windowMS := window.Milliseconds()
	nowMS := now.UnixMilli()

	raw, err := l.script.Run(ctx, l.client, []string{k}, nowMS, windowMS, limit, requestID).Result()
	if err != nil {
		if isNoScript(err) {
			l.logger.Warn("ratelimit script not cached, reloading", slog.String("key", k))
			if _, loadErr := l.script.Load(ctx, l.client).Result(); loadErr == nil {
				raw, err = l.script.Run(ctx, l.client, []string{k}, nowMS, windowMS, limit, requestID).Result()
			}
		}
	}
	if err != nil {
		l.logger.Error("ratelimit store unreachable, failing open", slog.Any("error", err), slog.String("key", k))
		return Decision{Allowed: true, Remaining: limit - 1, ResetTime: now.Add(window)}
	}

	return parseDecision(raw, now, window)
}

func parseDecision(raw interface{}, now time.Time, window time.Duration) Decision {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{Allowed: true, Remaining: 0, ResetTime: now.Add(window)}
	}

	allowed := toInt64(values[0]) == 1
	remaining := toInt64(values[1])
	if remaining < 0 {
		remaining = 0
	}
	resetMS := toInt64(values[2])

	return Decision{
		Allowed:   allowed,
		Remaining: int(remaining),
		ResetTime: time.UnixMilli(resetMS),
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(math.Round(n))
	default:
		return 0
	}
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
