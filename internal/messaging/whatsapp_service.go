package messaging

import (
	"context"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
	"github.com/BTreeMap/ComplaintPipe/internal/whatsapp"
)

// WhatsAppService implements Service using a linked whatsmeow device.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService wraps a whatsapp.Client or whatsapp.MockClient.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{client: client}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

// ValidateAndCanonicalizeRecipient strips everything but digits and requires
// at least six of them.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start subscribes to delivery receipts for sent acknowledgements.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handler")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if r, ok := evt.(*events.Receipt); ok {
			s.handleReceipt(r)
		}
	})
	slog.Debug("WhatsAppService.Start: receipt handler registered")
	return nil
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	status := receiptStatus(evt.Type)
	if status == "" {
		return
	}
	metrics.AckReceiptsTotal.WithLabelValues(status).Inc()
	slog.Debug("WhatsAppService: acknowledgement receipt", "status", status, "chat", evt.Chat.User, "messages", len(evt.MessageIDs))
}

// receiptStatus maps whatsmeow receipt types to metric labels; other types are ignored.
func receiptStatus(t events.ReceiptType) string {
	switch t {
	case events.ReceiptTypeDelivered:
		return "delivered"
	case events.ReceiptTypeRead:
		return "read"
	default:
		return ""
	}
}

// Stop rejects further sends and disconnects the linked device.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil {
		s.waClient.Close()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message from the linked device.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}
