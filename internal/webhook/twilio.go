package webhook

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// Twilio webhook form fields.
const (
	twilioFieldMessageSid  = "MessageSid"
	twilioFieldFrom        = "From"
	twilioFieldBody        = "Body"
	twilioFieldNumMedia    = "NumMedia"
	twilioFieldMediaURL0   = "MediaUrl0"
	twilioFieldMediaType0  = "MediaContentType0"
	twilioFieldStatus      = "MessageStatus"
	twilioFieldSmsStatus   = "SmsStatus"
	twilioStatusReceived   = "received"
	imageContentTypePrefix = "image/"
)

// ParseTwilioForm normalizes a Twilio WhatsApp webhook. Twilio does not send an
// event timestamp, so arrival time stands in for it.
func ParseTwilioForm(form url.Values, arrival time.Time) (models.InboundMessage, error) {
	if status := form.Get(twilioFieldStatus); status != "" && form.Get(twilioFieldBody) == "" && form.Get(twilioFieldNumMedia) == "" {
		return models.InboundMessage{}, fmt.Errorf("%w: status callback %q", ErrUnsupportedMessage, status)
	}
	if s := form.Get(twilioFieldSmsStatus); s != "" && s != twilioStatusReceived && form.Get(twilioFieldBody) == "" {
		return models.InboundMessage{}, fmt.Errorf("%w: status callback %q", ErrUnsupportedMessage, s)
	}

	sender, err := CanonicalizeSender(form.Get(twilioFieldFrom))
	if err != nil {
		return models.InboundMessage{}, err
	}
	msg := models.InboundMessage{
		ID:          strings.TrimSpace(form.Get(twilioFieldMessageSid)),
		Sender:      sender,
		TimestampMs: arrival.UnixMilli(),
		Provider:    models.ProviderTwilio,
	}
	body := form.Get(twilioFieldBody)

	numMedia, _ := strconv.Atoi(form.Get(twilioFieldNumMedia))
	contentType := form.Get(twilioFieldMediaType0)
	if numMedia > 0 && !strings.HasPrefix(contentType, imageContentTypePrefix) {
		if strings.TrimSpace(body) == "" {
			return models.InboundMessage{}, fmt.Errorf("%w: media %q", ErrUnsupportedMessage, contentType)
		}
		slog.Debug("Webhook.ParseTwilioForm: non-image media ignored, keeping the text", "content_type", contentType, "sid", msg.ID)
		numMedia = 0
	}
	if numMedia > 0 {
		if numMedia > 1 {
			slog.Debug("Webhook.ParseTwilioForm: only the first media item is used", "num_media", numMedia, "sid", msg.ID)
		}
		msg.Kind = models.MessageKindImage
		msg.ImageURL = form.Get(twilioFieldMediaURL0)
		msg.Caption = body
	} else {
		if strings.TrimSpace(body) == "" {
			return models.InboundMessage{}, fmt.Errorf("%w: empty body", ErrUnsupportedMessage)
		}
		msg.Kind = models.MessageKindText
		msg.Text = body
	}

	if msg.ID == "" {
		msg.ID = DeriveID(msg.Provider, msg.Sender, msg.TimestampMs, body+msg.ImageURL)
	}
	return msg, nil
}
