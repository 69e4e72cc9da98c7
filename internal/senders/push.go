package senders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/relayforge/notify-relay/internal/models"
)

// PushSender is a mock push-provider sender, grounded on
// original_source/processing-service/src/senders/push_sender.py and on the
// teacher's real FCMProvider — the registration-id/data-payload shape is
// kept, but this mock never calls out to FCM: concrete provider
// integrations are explicitly out of scope (spec.md §1).
type PushSender struct {
	forceFailure bool
	failureRate  float64
	logger       *slog.Logger
}

func NewPushSender(forceFailure bool, logger *slog.Logger) *PushSender {
	return &PushSender{forceFailure: forceFailure, failureRate: 0.1, logger: logger}
}

func (s *PushSender) Name() string { return "push" }

func (s *PushSender) Send(ctx context.Context, payload []byte) (Outcome, error) {
	var p models.PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Terminal, fmt.Errorf("malformed push payload: %w", err)
	}

	if s.forceFailure {
		return Retriable, fmt.Errorf("forced failure for testing retry mechanism")
	}
	if rand.Float64() < s.failureRate {
		return Retriable, fmt.Errorf("simulated transient push service failure")
	}

	s.logger.Info("push sent", slog.String("device_token", p.DeviceToken), slog.String("title", p.Title), slog.Int("data_fields", len(p.Data)))
	return OK, nil
}
