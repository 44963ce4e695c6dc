package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/resend/resend-go/v3"

	"cybrary/pkg/forum"
)

// ResendProvider sends mail via the Resend API.
type ResendProvider struct {
	client *resend.Client
	logger *slog.Logger
}

// NewResendProvider creates a new Resend mail provider.
func NewResendProvider(apiKey string, logger *slog.Logger) *ResendProvider {
	return &ResendProvider{
		client: resend.NewClient(apiKey),
		logger: logger,
	}
}

// Send sends a message via the Resend API.
func (r *ResendProvider) Send(ctx context.Context, msg *forum.Message) error {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", sanitizeEmailHeader(msg.FromName), msg.From)
	}
	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
		Text:    msg.PlainBody,
		Headers: msg.Headers,
	}
	if msg.ReplyTo != "" {
		params.ReplyTo = msg.ReplyTo
	}

	return retry.Do(
		func() error {
			r.logger.Info("Resend API request starting",
				"endpoint", "emails",
				"to", msg.To,
				"subject", msg.Subject)

			startTime := time.Now()
			sent, err := r.client.Emails.SendWithContext(ctx, params)
			duration := time.Since(startTime)

			if err != nil {
				r.logger.Warn("Resend API send failed, will retry",
					"to", msg.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			r.logger.Info("Resend API request completed",
				"endpoint", "emails",
				"to", msg.To,
				"duration_ms", duration.Milliseconds(),
				"provider_id", sent.Id)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("Retrying Resend email send after error", "attempt", n, "error", err)
		}),
	)
}
