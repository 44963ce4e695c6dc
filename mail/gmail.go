package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"

	"cybrary/pkg/forum"
)

// GmailProvider sends mail via the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail mail provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// Send sends a message via the Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *forum.Message) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(msg)))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", msg.To,
				"subject", msg.Subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", msg.To,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", msg.To,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}

// buildMIME assembles the raw RFC 5322 message: standard headers, the
// threading headers in deterministic order, then a multipart/alternative
// body. Every header value is sanitized against injection.
func buildMIME(msg *forum.Message) string {
	const boundary = "cybrary-alt-0001"

	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	// From is set by the Gmail API from the authenticated account, but a
	// display name is still honored when present.
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", sanitizeEmailHeader(msg.FromName), sanitizeEmailHeader(msg.From))
	}
	if msg.ToName != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", sanitizeEmailHeader(msg.ToName), sanitizeEmailHeader(msg.To))
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", sanitizeEmailHeader(msg.To))
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", sanitizeEmailHeader(msg.ReplyTo))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeEmailHeader(msg.Subject))

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", sanitizeEmailHeader(name), sanitizeEmailHeader(msg.Headers[name]))
	}

	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.PlainBody)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}
