// Package messaging sends acknowledgements back to residents once their
// complaint has been recorded.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
	"github.com/BTreeMap/ComplaintPipe/internal/webhook"
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// canonicalRecipient is shared by the services: WhatsApp recipients are
// digits-only phone numbers, the same form senders are normalized to.
func canonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return webhook.CanonicalizeSender(recipient)
}

// AckText renders the acknowledgement sent for a recorded complaint.
func AckText(row models.ComplaintRow) string {
	ref := row.ID
	if len(ref) > 8 {
		ref = ref[:8]
	}
	if row.Status == models.ComplaintStatusNeedsReview {
		return fmt.Sprintf("Thank you, your complaint was received and will be reviewed by our team. Reference: %s", ref)
	}
	return fmt.Sprintf("Thank you, your complaint was received and forwarded to %s (%s). Reference: %s", row.Department, row.Category, ref)
}

// NoopService accepts every message and sends nothing. It is used when
// acknowledgements are disabled.
type NoopService struct{}

func (NoopService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

func (NoopService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("NoopService.SendMessage: acknowledgements disabled", "to", to, "body_length", len(body))
	return nil
}

func (NoopService) Start(ctx context.Context) error { return nil }

func (NoopService) Stop() error { return nil }
