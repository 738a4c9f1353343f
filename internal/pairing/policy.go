package pairing

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// FallbackText is the reserved placeholder used as complaint text when an image
// arrives with no caption and no text to pair with. It is never empty so the
// classifier cannot mistake it for a message without content.
const FallbackText = "[image without text]"

// associationStore is the subset of WindowedStore the policy needs.
type associationStore interface {
	Store(sender string, kind models.MessageKind, v Value, atMs int64)
	Lookup(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool)
	Take(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool)
}

// PolicyOpts holds configuration for the pairing policy.
type PolicyOpts struct {
	Window         time.Duration
	ReversePairing bool
}

// PolicyOption defines a configuration option for the pairing policy.
type PolicyOption func(*PolicyOpts)

// WithWindow overrides DefaultPairingWindow.
func WithWindow(d time.Duration) PolicyOption {
	return func(o *PolicyOpts) {
		if d > 0 {
			o.Window = d
		}
	}
}

// WithReversePairing toggles pairing a text with a preceding image that found
// no text of its own. Enabled by default.
func WithReversePairing(enabled bool) PolicyOption {
	return func(o *PolicyOpts) {
		o.ReversePairing = enabled
	}
}

// Policy decides the resolved text, image and confidence for each inbound
// message and records the message for later pairing.
type Policy struct {
	store    associationStore
	windowMs int64
	reverse  bool
	locks    *keyedMutex
}

// NewPolicy creates a policy backed by store.
func NewPolicy(store associationStore, opts ...PolicyOption) *Policy {
	cfg := PolicyOpts{Window: DefaultPairingWindow, ReversePairing: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Policy.NewPolicy: pairing policy configured", "window", cfg.Window, "reverse_pairing", cfg.ReversePairing)
	return &Policy{
		store:    store,
		windowMs: cfg.Window.Milliseconds(),
		reverse:  cfg.ReversePairing,
		locks:    newKeyedMutex(),
	}
}

// Window returns the pairing window in effect.
func (p *Policy) Window() time.Duration {
	return time.Duration(p.windowMs) * time.Millisecond
}

// Resolve decides the pairing result for msg. The decision and its store
// updates run under a per-sender lock and never block on I/O, so two
// back-to-back events from one sender observe a consistent store.
func (p *Policy) Resolve(msg models.InboundMessage) models.PairingResult {
	unlock := p.locks.Lock(msg.Sender)
	defer unlock()

	var res models.PairingResult
	switch msg.Kind {
	case models.MessageKindImage:
		res = p.resolveImage(msg)
	default:
		res = p.resolveText(msg)
	}
	slog.Debug("Policy.Resolve: pairing decided", "id", msg.ID, "sender", msg.Sender, "kind", msg.Kind, "confidence", res.Confidence)
	return res
}

func (p *Policy) resolveText(msg models.InboundMessage) models.PairingResult {
	res := models.PairingResult{Text: msg.Text, Confidence: models.ConfidenceDirectText}
	if p.reverse {
		if img, ok := p.store.Lookup(msg.Sender, models.MessageKindImage, msg.TimestampMs, p.windowMs); ok && img.Orphan {
			// consume so the image is attached to at most one later text
			p.store.Take(msg.Sender, models.MessageKindImage, msg.TimestampMs, p.windowMs)
			res.ImageURL = img.URL
			res.Confidence = models.ConfidencePairedImageToText
		}
	}
	p.store.Store(msg.Sender, models.MessageKindText, Value{Body: msg.Text}, msg.TimestampMs)
	return res
}

func (p *Policy) resolveImage(msg models.InboundMessage) models.PairingResult {
	if msg.HasCaption() {
		// caption wins; the store is not consulted for text
		p.store.Store(msg.Sender, models.MessageKindImage, Value{URL: msg.ImageURL, Caption: msg.Caption}, msg.TimestampMs)
		return models.PairingResult{Text: msg.Caption, ImageURL: msg.ImageURL, Confidence: models.ConfidenceCaptionOnImage}
	}

	paired, ok := p.store.Lookup(msg.Sender, models.MessageKindText, msg.TimestampMs, p.windowMs)
	p.store.Store(msg.Sender, models.MessageKindImage, Value{URL: msg.ImageURL, Orphan: !ok}, msg.TimestampMs)
	if ok {
		return models.PairingResult{Text: paired.Body, ImageURL: msg.ImageURL, Confidence: models.ConfidencePairedTextToImage}
	}
	return models.PairingResult{Text: FallbackText, ImageURL: msg.ImageURL, Confidence: models.ConfidenceImageOnlyFallback}
}
