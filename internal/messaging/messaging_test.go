package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
	"github.com/BTreeMap/ComplaintPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ComplaintPipe/internal/whatsapp"
)

func TestServicesImplementService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = NoopService{}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "whatsapp:+972 50-123-4567", "received"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "972501234567" {
		t.Fatalf("expected canonical recipient, got %+v", sent)
	}

	if err := svc.SendMessage(context.Background(), "12", "x"); err == nil {
		t.Error("expected invalid recipient to be rejected")
	}

	svc.Stop()
	if err := svc.SendMessage(context.Background(), "972501234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioService_PropagatesSendError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("rate limited")
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "972501234567", "x"); !errors.Is(err, mock.Err) {
		t.Errorf("expected send error, got %v", err)
	}
}

func TestWhatsAppService_SendMessage(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "+972501234567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mock.Sent) != 1 || mock.Sent[0] != "972501234567: hello" {
		t.Errorf("unexpected sent log %v", mock.Sent)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "972501234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestReceiptStatus(t *testing.T) {
	if receiptStatus(events.ReceiptTypeDelivered) != "delivered" || receiptStatus(events.ReceiptTypeRead) != "read" {
		t.Error("expected delivered and read receipts to be tracked")
	}
	if receiptStatus(events.ReceiptTypeReadSelf) != "" {
		t.Error("expected self-read receipts to be ignored")
	}
}

func TestNoopService(t *testing.T) {
	var svc NoopService
	if err := svc.SendMessage(context.Background(), "972501234567", "x"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected empty recipient to be rejected")
	}
}

func TestAckText(t *testing.T) {
	row := models.ComplaintRow{ID: "0123456789abcdef", Category: "roads", Department: "public works", Status: models.ComplaintStatusNew}
	got := AckText(row)
	if !strings.Contains(got, "public works") || !strings.Contains(got, "roads") || !strings.Contains(got, "01234567") || strings.Contains(got, "89abcdef") {
		t.Errorf("unexpected ack text %q", got)
	}

	row.Status = models.ComplaintStatusNeedsReview
	if got := AckText(row); !strings.Contains(got, "reviewed") {
		t.Errorf("expected review wording for fallback rows, got %q", got)
	}
}
