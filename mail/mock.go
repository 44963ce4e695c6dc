package mail

import (
	"context"
	"log/slog"

	"cybrary/pkg/forum"
)

// MockProvider is a mock mail provider for local development. It logs
// each message and keeps it for inspection in tests.
type MockProvider struct {
	logger *slog.Logger

	// Sent collects every delivered message in order.
	Sent []*forum.Message
	// Fail makes every Send return an error, for failure-path tests.
	Fail error
}

// NewMockProvider creates a new mock mail provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg *forum.Message) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.Sent = append(m.Sent, msg)
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"message_id", msg.Headers["Message-ID"],
		"body_length", len(msg.HTMLBody))
	return nil
}
