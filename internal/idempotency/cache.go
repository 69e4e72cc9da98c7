// Package idempotency adapts the teacher's RedisRepository (originally a
// token-suppression cache keyed by push token) into the two Redis-backed
// dedupe keyspaces spec.md §3/§4.2/§4.4 require: the ingress-side response
// cache and the worker-side delivery guard.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relayforge/notify-relay/internal/models"
)

// Cache wraps a shared Redis client for both the idempotency response cache
// (idempotency:{userId}:{idempotencyKey}) and the delivery guard
// (delivered:{userId}:{idempotencyKey}).
type Cache struct {
	client      *redis.Client
	logger      *slog.Logger
	callTimeout time.Duration
}

func New(client *redis.Client, logger *slog.Logger, callTimeout time.Duration) *Cache {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Cache{client: client, logger: logger, callTimeout: callTimeout}
}

func responseKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, idempotencyKey)
}

func deliveredKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("delivered:%s:%s", userID, idempotencyKey)
}

// Probe implements the §4.2 pre-publish probe. A Redis error degrades to
// "treat as not-duplicate" per §7, logged, never blocking the request.
func (c *Cache) Probe(ctx context.Context, userID, idempotencyKey string) (*models.NotificationResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, responseKey(userID, idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Error("idempotency probe failed, proceeding as not-duplicate", slog.Any("error", err))
		return nil, false
	}

	var resp models.NotificationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.logger.Error("idempotency entry corrupt, proceeding as not-duplicate", slog.Any("error", err))
		return nil, false
	}
	return &resp, true
}

// Store implements the §4.2 post-publish store. Failure is logged but must
// never fail the request — the publish already succeeded.
func (c *Cache) Store(ctx context.Context, userID, idempotencyKey string, resp models.NotificationResponse, ttl time.Duration) {
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal idempotency response", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.SetEX(ctx, responseKey(userID, idempotencyKey), string(body), ttl).Err(); err != nil {
		c.logger.Error("failed to store idempotency response", slog.Any("error", err))
	}
}

// IsDelivered implements the §4.4 step-2 delivery guard lookup. This is the
// authoritative at-most-once-per-key boundary (P4); infra errors here fail
// closed (treat as not-yet-delivered) so a transient Redis blip never
// silently drops a send — the sender may run twice, which the broker's
// at-least-once contract already tolerates.
func (c *Cache) IsDelivered(ctx context.Context, userID, idempotencyKey string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, deliveredKey(userID, idempotencyKey)).Result()
	if err != nil {
		c.logger.Error("delivery guard probe failed, treating as not-delivered", slog.Any("error", err))
		return false
	}
	return n > 0
}

// MarkDelivered records a successful send so redelivered copies of the same
// message are guarded out before the sender is invoked again.
func (c *Cache) MarkDelivered(ctx context.Context, userID, idempotencyKey string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.SetEX(ctx, deliveredKey(userID, idempotencyKey), "1", ttl).Err(); err != nil {
		c.logger.Error("failed to record delivery guard", slog.Any("error", err))
	}
}
