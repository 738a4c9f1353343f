package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// MetaObjectWhatsApp is the object name used by WhatsApp Business webhooks.
const MetaObjectWhatsApp = "whatsapp_business_account"

// Meta message types handled by the processor.
const (
	metaTypeText  = "text"
	metaTypeImage = "image"
)

var (
	// ErrVerificationFailed is returned when a subscription handshake does not match.
	ErrVerificationFailed = errors.New("webhook verification failed")
	// ErrInvalidPayload is returned when a webhook body is not valid JSON.
	ErrInvalidPayload = errors.New("invalid Meta webhook payload")
)

// MetaPayload is the top-level Cloud API webhook body.
type MetaPayload struct {
	Object string      `json:"object"`
	Entry  []MetaEntry `json:"entry"`
}

type MetaEntry struct {
	ID      string       `json:"id"`
	Changes []MetaChange `json:"changes"`
}

type MetaChange struct {
	Field string          `json:"field"`
	Value MetaChangeValue `json:"value"`
}

type MetaChangeValue struct {
	MessagingProduct string        `json:"messaging_product"`
	Messages         []MetaMessage `json:"messages,omitempty"`
	Statuses         []MetaStatus  `json:"statuses,omitempty"`
}

type MetaMessage struct {
	From      string            `json:"from"`
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Type      string            `json:"type"`
	Text      *MetaTextContent  `json:"text,omitempty"`
	Image     *MetaMediaContent `json:"image,omitempty"`
}

type MetaTextContent struct {
	Body string `json:"body"`
}

type MetaMediaContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type MetaStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseMetaPayload normalizes every text and image message in body. Other
// message types and status updates are skipped. Messages that fail to
// normalize are left out and reported through the joined error, so the caller
// can still process the rest and ask Meta to redeliver.
func ParseMetaPayload(ctx context.Context, body []byte, resolver MediaResolver, arrival time.Time) ([]models.InboundMessage, error) {
	var payload MetaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Object != "" && payload.Object != MetaObjectWhatsApp {
		return nil, fmt.Errorf("%w: object %q", ErrUnsupportedMessage, payload.Object)
	}

	var (
		out  []models.InboundMessage
		errs []error
	)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if n := len(change.Value.Statuses); n > 0 {
				slog.Debug("Webhook.ParseMetaPayload: skipping status updates", "count", n)
			}
			for _, m := range change.Value.Messages {
				msg, err := normalizeMetaMessage(ctx, m, resolver, arrival)
				if errors.Is(err, ErrUnsupportedMessage) {
					slog.Debug("Webhook.ParseMetaPayload: skipping message", "id", m.ID, "type", m.Type)
					continue
				}
				if errors.Is(err, ErrInvalidSender) {
					slog.Warn("Webhook.ParseMetaPayload: dropping message with invalid sender", "id", m.ID)
					continue
				}
				if err != nil {
					slog.Warn("Webhook.ParseMetaPayload: failed to normalize message", "id", m.ID, "error", err)
					errs = append(errs, err)
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out, errors.Join(errs...)
}

func normalizeMetaMessage(ctx context.Context, m MetaMessage, resolver MediaResolver, arrival time.Time) (models.InboundMessage, error) {
	if m.Type != metaTypeText && m.Type != metaTypeImage {
		return models.InboundMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedMessage, m.Type)
	}
	sender, err := CanonicalizeSender(m.From)
	if err != nil {
		return models.InboundMessage{}, err
	}
	msg := models.InboundMessage{
		ID:          m.ID,
		Sender:      sender,
		TimestampMs: metaTimestampMs(m.Timestamp, arrival),
		Provider:    models.ProviderMeta,
	}

	var content string
	switch m.Type {
	case metaTypeText:
		if m.Text == nil {
			return models.InboundMessage{}, fmt.Errorf("%w: text message without body", ErrUnsupportedMessage)
		}
		msg.Kind = models.MessageKindText
		msg.Text = m.Text.Body
		content = m.Text.Body
	case metaTypeImage:
		if m.Image == nil || m.Image.ID == "" {
			return models.InboundMessage{}, fmt.Errorf("%w: image message without media id", ErrUnsupportedMessage)
		}
		imageURL, err := resolveMedia(ctx, resolver, m.Image.ID)
		if err != nil {
			return models.InboundMessage{}, fmt.Errorf("failed to resolve media %s: %w", m.Image.ID, err)
		}
		msg.Kind = models.MessageKindImage
		msg.ImageURL = imageURL
		msg.Caption = m.Image.Caption
		content = m.Image.ID
	}

	if msg.ID == "" {
		msg.ID = DeriveID(msg.Provider, msg.Sender, msg.TimestampMs, content)
	}
	return msg, nil
}

// metaTimestampMs converts Meta's unix-seconds string to milliseconds, using
// the arrival time when it is missing or malformed.
func metaTimestampMs(raw string, arrival time.Time) int64 {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		if raw != "" {
			slog.Warn("Webhook: malformed Meta timestamp, using arrival time", "timestamp", raw)
		}
		return arrival.UnixMilli()
	}
	return secs * 1000
}

func resolveMedia(ctx context.Context, resolver MediaResolver, mediaID string) (string, error) {
	if resolver == nil {
		return MediaPlaceholderScheme + mediaID, nil
	}
	return resolver.ResolveMediaURL(ctx, mediaID)
}

// VerifySubscription answers Meta's GET handshake. It returns the challenge to
// echo when mode is "subscribe" and the token matches.
func VerifySubscription(query url.Values, verifyToken string) (string, error) {
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")
	if verifyToken == "" || mode != "subscribe" || token != verifyToken {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}
