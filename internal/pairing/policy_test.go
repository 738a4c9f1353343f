package pairing

import (
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// countingStore wraps a WindowedStore and records how it was queried.
type countingStore struct {
	*WindowedStore
	mu          sync.Mutex
	textLookups int
}

func (c *countingStore) Lookup(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool) {
	if kind == models.MessageKindText {
		c.mu.Lock()
		c.textLookups++
		c.mu.Unlock()
	}
	return c.WindowedStore.Lookup(sender, kind, nowMs, windowMs)
}

// slowStore widens the gap between a lookup and the store update that follows.
type slowStore struct {
	*WindowedStore
}

func (s slowStore) Lookup(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool) {
	v, ok := s.WindowedStore.Lookup(sender, kind, nowMs, windowMs)
	time.Sleep(time.Millisecond)
	return v, ok
}

func textMsg(id, sender, body string, ts int64) models.InboundMessage {
	return models.InboundMessage{ID: id, Sender: sender, Kind: models.MessageKindText, Text: body, TimestampMs: ts}
}

func imageMsg(id, sender, url, caption string, ts int64) models.InboundMessage {
	return models.InboundMessage{ID: id, Sender: sender, Kind: models.MessageKindImage, ImageURL: url, Caption: caption, TimestampMs: ts}
}

func TestPolicy_DirectText(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	res := p.Resolve(textMsg("1", "S", "pothole on main st", 1000))
	if res.Confidence != models.ConfidenceDirectText || res.Text != "pothole on main st" || res.HasImage() {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestPolicy_EndToEndPairing(t *testing.T) {
	tests := []struct {
		name     string
		imageAt  int64
		wantText string
		wantConf models.Confidence
	}{
		{"image within window", 30000, "פנס שבור", models.ConfidencePairedTextToImage},
		{"image at exact window", 60000, "פנס שבור", models.ConfidencePairedTextToImage},
		{"image after window", 65000, FallbackText, models.ConfidenceImageOnlyFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(NewWindowedStore())
			// t=0 is not a valid event time upstream, but the policy itself accepts it.
			p.Resolve(textMsg("t", "S", "פנס שבור", 0))
			res := p.Resolve(imageMsg("i", "S", "https://img/1.jpg", "", tt.imageAt))
			if res.Text != tt.wantText || res.Confidence != tt.wantConf {
				t.Errorf("got %+v, want text %q confidence %q", res, tt.wantText, tt.wantConf)
			}
			if res.ImageURL != "https://img/1.jpg" {
				t.Errorf("expected image url to be carried, got %q", res.ImageURL)
			}
		})
	}
}

func TestPolicy_CaptionPrecedesPairing(t *testing.T) {
	cs := &countingStore{WindowedStore: NewWindowedStore()}
	p := NewPolicy(cs)
	p.Resolve(textMsg("t", "S", "earlier text", 1000))
	lookupsBefore := cs.textLookups

	res := p.Resolve(imageMsg("i", "S", "https://img/2.jpg", "graffiti on wall", 2000))
	if res.Confidence != models.ConfidenceCaptionOnImage || res.Text != "graffiti on wall" {
		t.Fatalf("expected caption to win, got %+v", res)
	}
	if cs.textLookups != lookupsBefore {
		t.Errorf("captioned image must not look up text, saw %d extra lookups", cs.textLookups-lookupsBefore)
	}
	if v, ok := cs.WindowedStore.Lookup("S", models.MessageKindImage, 2000, windowMs); !ok || v.Caption != "graffiti on wall" {
		t.Errorf("captioned image should record itself, got %+v ok=%v", v, ok)
	}
}

func TestPolicy_FallbackSentinelIsNeverEmpty(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	res := p.Resolve(imageMsg("i", "S", "https://img/3.jpg", "   ", 5000))
	if res.Confidence != models.ConfidenceImageOnlyFallback {
		t.Fatalf("expected fallback confidence, got %q", res.Confidence)
	}
	if res.Text == "" || res.Text != FallbackText {
		t.Errorf("expected sentinel text, got %q", res.Text)
	}
}

func TestPolicy_SendersDoNotCrossPair(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	p.Resolve(textMsg("t", "A", "text from A", 1000))
	res := p.Resolve(imageMsg("i", "B", "https://img/4.jpg", "", 2000))
	if res.Confidence != models.ConfidenceImageOnlyFallback {
		t.Errorf("image from B must not pair with text from A, got %+v", res)
	}
}

func TestPolicy_LastTextWinsForPairing(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	p.Resolve(textMsg("t1", "S", "first", 1000))
	p.Resolve(textMsg("t2", "S", "second", 2000))
	res := p.Resolve(imageMsg("i", "S", "https://img/5.jpg", "", 3000))
	if res.Text != "second" {
		t.Errorf("expected most recent text to pair, got %q", res.Text)
	}
}

func TestPolicy_ReversePairing(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	first := p.Resolve(imageMsg("i", "S", "https://img/6.jpg", "", 1000))
	if first.Confidence != models.ConfidenceImageOnlyFallback {
		t.Fatalf("expected fallback for lone image, got %+v", first)
	}

	res := p.Resolve(textMsg("t", "S", "the bin is overflowing", 31000))
	if res.Confidence != models.ConfidencePairedImageToText || res.ImageURL != "https://img/6.jpg" {
		t.Fatalf("expected reverse pairing, got %+v", res)
	}

	// The orphan image is consumed; the next text stands alone.
	again := p.Resolve(textMsg("t2", "S", "also the bench", 32000))
	if again.Confidence != models.ConfidenceDirectText || again.HasImage() {
		t.Errorf("expected image to be attached at most once, got %+v", again)
	}
}

func TestPolicy_ReversePairingRespectsWindow(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	p.Resolve(imageMsg("i", "S", "https://img/7.jpg", "", 1000))
	res := p.Resolve(textMsg("t", "S", "too late", 61001))
	if res.Confidence != models.ConfidenceDirectText {
		t.Errorf("expected no reverse pairing past the window, got %+v", res)
	}
}

func TestPolicy_ReversePairingSkipsPairedAndCaptionedImages(t *testing.T) {
	p := NewPolicy(NewWindowedStore())
	p.Resolve(textMsg("t1", "S", "water leak", 1000))
	p.Resolve(imageMsg("i1", "S", "https://img/8.jpg", "", 2000)) // pairs forward
	if res := p.Resolve(textMsg("t2", "S", "follow-up", 3000)); res.HasImage() {
		t.Errorf("forward-paired image must not be attached again, got %+v", res)
	}

	p.Resolve(imageMsg("i2", "S2", "https://img/9.jpg", "has caption", 1000))
	if res := p.Resolve(textMsg("t3", "S2", "more detail", 2000)); res.HasImage() {
		t.Errorf("captioned image must not be reverse paired, got %+v", res)
	}
}

func TestPolicy_ReversePairingDisabled(t *testing.T) {
	p := NewPolicy(NewWindowedStore(), WithReversePairing(false))
	p.Resolve(imageMsg("i", "S", "https://img/10.jpg", "", 1000))
	if res := p.Resolve(textMsg("t", "S", "text", 2000)); res.Confidence != models.ConfidenceDirectText {
		t.Errorf("expected direct text with reverse pairing disabled, got %+v", res)
	}
}

func TestPolicy_WindowOverride(t *testing.T) {
	p := NewPolicy(NewWindowedStore(), WithWindow(10*time.Second))
	if p.Window() != 10*time.Second {
		t.Fatalf("expected window override, got %v", p.Window())
	}
	p.Resolve(textMsg("t", "S", "short window", 1000))
	if res := p.Resolve(imageMsg("i", "S", "https://img/11.jpg", "", 12000)); res.Confidence != models.ConfidenceImageOnlyFallback {
		t.Errorf("expected the shorter window to apply, got %+v", res)
	}
}

func TestPolicy_ConcurrentSameSenderIsSerialized(t *testing.T) {
	store := NewWindowedStore()
	p := NewPolicy(store)
	p.Resolve(textMsg("t", "S", "shared text", 1000))

	var wg sync.WaitGroup
	results := make([]models.PairingResult, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Resolve(imageMsg("i", "S", "https://img/c.jpg", "", 2000))
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		if r.Confidence != models.ConfidencePairedTextToImage {
			t.Fatalf("expected every image to pair with the live text, got %+v", r)
		}
	}
	if p.locks.size() != 0 {
		t.Errorf("expected per-sender locks to be released, %d remain", p.locks.size())
	}
}

func TestPolicy_ConcurrentTextsConsumeOrphanImageOnce(t *testing.T) {
	p := NewPolicy(slowStore{NewWindowedStore()})
	p.Resolve(imageMsg("i", "S", "https://img/orphan.jpg", "", 1000))

	var wg sync.WaitGroup
	results := make([]models.PairingResult, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Resolve(textMsg("t", "S", "where is the truck", 2000))
		}(i)
	}
	wg.Wait()

	paired := 0
	for _, r := range results {
		if r.Confidence == models.ConfidencePairedImageToText {
			paired++
		}
	}
	if paired != 1 {
		t.Errorf("expected the orphan image to pair with exactly one text, paired %d", paired)
	}
}
