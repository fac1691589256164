// Package messaging provides the pluggable transport layer: sending replies
// and turning transport events into inbound messages for dispatch.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gimmicks/leadpipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer for the inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel pushes.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]+`)

// Service is a pluggable message transport. It sends outbound messages and
// surfaces inbound customer messages on a channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient normalizes a recipient identifier to
	// the transport's canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event handling, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbounds returns the channel of incoming customer messages.
	Inbounds() <-chan models.Inbound
}

// CanonicalizePhone strips a recipient down to digits and validates length.
// WhatsApp transports address users by bare digit strings.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits in %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
