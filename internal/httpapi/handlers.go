package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/notify-relay/internal/idempotency"
	"github.com/relayforge/notify-relay/internal/models"
	"github.com/relayforge/notify-relay/internal/queue"
	"github.com/relayforge/notify-relay/internal/ratelimit"
	"github.com/relayforge/notify-relay/internal/repository"
	"github.com/relayforge/notify-relay/internal/validate"
	"github.com/relayforge/notify-relay/pkg/metrics"
)

// Handlers implements the §2/§6 ingress pipeline: schema validation ->
// rate-limit admission -> idempotency lookup -> message construction ->
// durable publish -> idempotency response store -> 202 response.
type Handlers struct {
	Limiter   *ratelimit.Limiter
	Cache     *idempotency.Cache
	Publisher *queue.Publisher
	Status    *repository.StatusStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	RateLimitQuota  int
	RateLimitWindow time.Duration
	IdempotencyTTL  time.Duration
}

// Notify handles POST /api/notifications/{channel} for the given channel.
func (h *Handlers) Notify(channel models.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		var req models.NotificationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.Channel = channel

		if verr := validate.Envelope(&req); verr != nil {
			WriteError(w, http.StatusBadRequest, verr.Error())
			return
		}

		if verr := validatePayload(channel, req.Payload); verr != nil {
			WriteError(w, http.StatusBadRequest, verr.Error())
			return
		}

		requestID := uuid.NewString()
		decision := h.Limiter.Admit(r.Context(), req.UserID, string(channel), requestID, h.RateLimitWindow, h.RateLimitQuota)
		setRateLimitHeaders(w, h.RateLimitQuota, decision)

		if !decision.Allowed {
			h.Metrics.IncRateLimited()
			retryAfter := int(math.Ceil(time.Until(decision.ResetTime).Seconds()))
			if retryAfter < 0 {
				retryAfter = 0
			}
			WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"success":    false,
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter,
			})
			return
		}
		h.Metrics.IncAdmitted()

		if cached, hit := h.Cache.Probe(r.Context(), req.UserID, req.IdempotencyKey); hit {
			h.Metrics.IncDuplicate()
			dup := *cached
			dup.Status = models.StatusDuplicate
			WriteSuccess(w, http.StatusOK, dup)
			return
		}

		msg := models.QueueMessage{
			ID:             uuid.NewString(),
			Type:           channel,
			UserID:         req.UserID,
			IdempotencyKey: req.IdempotencyKey,
			Payload:        req.Payload,
			Timestamp:      time.Now().UnixMilli(),
			RetryCount:     0,
		}

		if !h.Publisher.Publish(r.Context(), msg) {
			h.Metrics.IncPublishFailed()
			WriteError(w, http.StatusInternalServerError, "failed to publish notification")
			return
		}
		h.Metrics.IncPublished()
		h.Status.MarkQueued(r.Context(), msg.ID, msg.UserID, string(channel))

		resp := models.NotificationResponse{
			ID:      msg.ID,
			Status:  models.StatusQueued,
			Message: fmt.Sprintf("%s notification queued for delivery", channel),
		}
		h.Cache.Store(r.Context(), req.UserID, req.IdempotencyKey, resp, h.IdempotencyTTL)

		WriteSuccess(w, http.StatusAccepted, resp)
	}
}

func validatePayload(channel models.Channel, raw json.RawMessage) *validate.RequestError {
	switch channel {
	case models.ChannelEmail:
		_, err := validate.Email(raw)
		return err
	case models.ChannelSMS:
		_, err := validate.SMS(raw)
		return err
	case models.ChannelPush:
		_, err := validate.Push(raw)
		return err
	default:
		return &validate.RequestError{Message: "unsupported channel"}
	}
}

func setRateLimitHeaders(w http.ResponseWriter, quota int, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
}

// Health handles GET /health.
func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broker := "disconnected"
		if h.Publisher.IsConnected() {
			broker = "connected"
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"services": map[string]string{
				"broker": broker,
			},
		})
	}
}

// Ready handles GET /ready.
func (h *Handlers) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.Publisher.IsConnected() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
	}
}
