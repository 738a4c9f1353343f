// Package models defines the core data structures for ComplaintPipe.
//
// It includes the normalized inbound message, the pairing result handed to the
// classifier, and the flat complaint row written to the spreadsheet and archive.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// MessageKind identifies the payload carried by an inbound message.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindImage is an image message, optionally with a caption.
	MessageKindImage MessageKind = "image"
)

// Provider names the webhook source an inbound message was normalized from.
type Provider string

const (
	// ProviderTwilio is the Twilio WhatsApp sandbox/business webhook (form encoded).
	ProviderTwilio Provider = "twilio"
	// ProviderMeta is the Meta WhatsApp Cloud API webhook (JSON).
	ProviderMeta Provider = "meta"
)

// Validation constants for inbound messages
const (
	// MaxTextLength bounds the text/caption accepted from a single message.
	MaxTextLength = 4096
)

// Error variables for inbound message validation
var (
	ErrEmptyMessageID   = errors.New("message id cannot be empty")
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrInvalidKind      = errors.New("invalid message kind")
	ErrEmptyText        = errors.New("text is required for text messages")
	ErrEmptyImageURL    = errors.New("image url is required for image messages")
	ErrTextTooLong      = errors.New("text exceeds maximum length")
	ErrInvalidTimestamp = errors.New("timestamp must be positive")
)

// IsValidMessageKind checks if the given kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindImage:
		return true
	default:
		return false
	}
}

// InboundMessage is a provider-independent message event. Webhook handlers
// produce it; the pairing core never sees raw provider payloads.
type InboundMessage struct {
	ID          string      `json:"id"`
	Sender      string      `json:"sender"`
	Kind        MessageKind `json:"kind"`
	Text        string      `json:"text,omitempty"`
	ImageURL    string      `json:"image_url,omitempty"`
	Caption     string      `json:"caption,omitempty"`
	TimestampMs int64       `json:"timestamp_ms"`
	Provider    Provider    `json:"provider,omitempty"`
}

// Validate checks the fields required for the message's kind.
func (m *InboundMessage) Validate() error {
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	if m.Sender == "" {
		return ErrEmptySender
	}
	if m.TimestampMs <= 0 {
		return ErrInvalidTimestamp
	}
	switch m.Kind {
	case MessageKindText:
		if strings.TrimSpace(m.Text) == "" {
			return ErrEmptyText
		}
		if len(m.Text) > MaxTextLength {
			return ErrTextTooLong
		}
	case MessageKindImage:
		if m.ImageURL == "" {
			return ErrEmptyImageURL
		}
		if len(m.Caption) > MaxTextLength {
			return ErrTextTooLong
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	return nil
}

// HasCaption reports whether an image message carries its own non-blank caption.
func (m *InboundMessage) HasCaption() bool {
	return strings.TrimSpace(m.Caption) != ""
}

// Confidence describes how the resolved text of a complaint was obtained.
type Confidence string

const (
	// ConfidenceDirectText is a text message taken as-is.
	ConfidenceDirectText Confidence = "directText"
	// ConfidenceCaptionOnImage is an image whose own caption supplied the text.
	ConfidenceCaptionOnImage Confidence = "captionOnImage"
	// ConfidencePairedTextToImage is an image paired with a preceding text.
	ConfidencePairedTextToImage Confidence = "pairedTextToImage"
	// ConfidencePairedImageToText is a text paired with a preceding uncaptioned image.
	ConfidencePairedImageToText Confidence = "pairedImageToText"
	// ConfidenceImageOnlyFallback is an image with no associable text.
	ConfidenceImageOnlyFallback Confidence = "imageOnlyFallback"
)

// AllConfidences lists every confidence tag in a stable order.
var AllConfidences = []Confidence{
	ConfidenceDirectText,
	ConfidenceCaptionOnImage,
	ConfidencePairedTextToImage,
	ConfidencePairedImageToText,
	ConfidenceImageOnlyFallback,
}

// SourceChannel prefixes every source tag written to the spreadsheet.
const SourceChannel = "whatsapp"

// Source renders the observability tag stored alongside each row, e.g.
// "whatsapp:pairedTextToImage".
func (c Confidence) Source() string {
	return SourceChannel + ":" + string(c)
}

// PairingResult is the per-event output of the pairing policy. It is never stored.
type PairingResult struct {
	Text       string     `json:"text"`
	ImageURL   string     `json:"image_url,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// HasImage reports whether an image URL was resolved for the event.
func (r PairingResult) HasImage() bool {
	return r.ImageURL != ""
}
