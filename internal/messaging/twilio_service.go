package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ComplaintPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio REST API.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService wraps a Twilio client or twiliowhatsapp.MockClient.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient strips everything but digits and requires
// at least six of them.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop rejects further sends.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	slog.Debug("TwilioService.SendMessage: message sent", "to", canonicalTo)
	return nil
}
