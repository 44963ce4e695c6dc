// Package mail composes forum notification messages and sends them via
// pluggable providers.
package mail

import (
	"context"
	"strings"

	"cybrary/pkg/forum"
)

// Provider defines the interface for mail sending implementations.
type Provider interface {
	// Send sends one message. Transport-level retries happen inside the
	// provider; callers treat a returned error as one failed attempt.
	Send(ctx context.Context, msg *forum.Message) error
}

// sanitizeEmailHeader removes newlines and control characters to prevent
// header injection. RFC 5322 headers are newline-delimited, so any
// newline in a header value allows an attacker to inject arbitrary
// headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
