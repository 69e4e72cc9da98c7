package senders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/relayforge/notify-relay/internal/models"
)

// EmailSender is a mock SMTP-provider sender, grounded on
// original_source/processing-service/src/senders/email_sender.py. A real
// deployment swaps this for an SMTP or email-API client; the core only
// requires the Sender contract.
type EmailSender struct {
	forceFailure bool
	failureRate  float64
	logger       *slog.Logger
}

func NewEmailSender(forceFailure bool, logger *slog.Logger) *EmailSender {
	return &EmailSender{forceFailure: forceFailure, failureRate: 0.1, logger: logger}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, payload []byte) (Outcome, error) {
	var p models.EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Terminal, fmt.Errorf("malformed email payload: %w", err)
	}

	if s.forceFailure {
		return Retriable, fmt.Errorf("forced failure for testing retry mechanism")
	}
	if rand.Float64() < s.failureRate {
		return Retriable, fmt.Errorf("simulated transient email provider failure")
	}

	s.logger.Info("email sent", slog.String("to", p.To), slog.String("subject", p.Subject))
	return OK, nil
}
