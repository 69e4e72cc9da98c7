package senders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/relayforge/notify-relay/internal/models"
)

// SmsSender is a mock SMS-gateway sender, grounded on
// original_source/processing-service/src/senders/sms_sender.py.
type SmsSender struct {
	forceFailure bool
	failureRate  float64
	logger       *slog.Logger
}

func NewSmsSender(forceFailure bool, logger *slog.Logger) *SmsSender {
	return &SmsSender{forceFailure: forceFailure, failureRate: 0.1, logger: logger}
}

func (s *SmsSender) Name() string { return "sms" }

func (s *SmsSender) Send(ctx context.Context, payload []byte) (Outcome, error) {
	var p models.SmsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Terminal, fmt.Errorf("malformed sms payload: %w", err)
	}

	if s.forceFailure {
		return Retriable, fmt.Errorf("forced failure for testing retry mechanism")
	}
	if rand.Float64() < s.failureRate {
		return Retriable, fmt.Errorf("simulated transient sms gateway failure")
	}

	s.logger.Info("sms sent", slog.String("to", p.To))
	return OK, nil
}
