// Package webhook normalizes provider webhook payloads into models.InboundMessage.
//
// Two providers are supported: Twilio's WhatsApp webhook (form encoded) and the
// Meta WhatsApp Cloud API webhook (JSON). Neither the pairing core nor the
// intake processor ever sees a raw provider payload.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// MinSenderDigits is the shortest phone number accepted as a sender.
const MinSenderDigits = 6

var (
	// ErrUnsupportedMessage marks payloads that carry no text or image (status
	// callbacks, audio, stickers). Handlers acknowledge and ignore them.
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrInvalidSender      = errors.New("invalid sender")
)

// nonDigits strips everything but digits from phone numbers.
var nonDigits = regexp.MustCompile(`\D`)

// CanonicalizeSender turns "whatsapp:+972 50-123-4567" into "972501234567".
func CanonicalizeSender(raw string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:")
	canonical := nonDigits.ReplaceAllString(trimmed, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidSender, raw)
	}
	if len(canonical) < MinSenderDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidSender, canonical, MinSenderDigits)
	}
	if canonical != raw {
		slog.Debug("Webhook canonicalized sender", "original", raw, "canonical", canonical)
	}
	return canonical, nil
}

// DeriveID returns a deterministic id for events delivered without one, so that
// redeliveries of the same event still deduplicate.
func DeriveID(provider models.Provider, sender string, timestampMs int64, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", provider, sender, timestampMs, content)))
	return "derived-" + hex.EncodeToString(sum[:16])
}
