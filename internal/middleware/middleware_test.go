package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

// twilioSign reproduces Twilio's request signing scheme.
func twilioSign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func twilioRequest(form url.Values, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set(TwilioSignatureHeader, sig)
	}
	return req
}

func TestTwilioSignature(t *testing.T) {
	const token = "auth-token"
	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+972501234567"}, "Body": {"hello"}}
	h := TwilioSignature(token, "https://bot.example.com/")(okHandler())

	good := twilioSign(token, "https://bot.example.com/webhook/twilio", form)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, twilioRequest(form, good))
	if rec.Code != http.StatusOK {
		t.Errorf("expected valid signature to pass, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, twilioRequest(form, "bm90LWEtc2lnbmF0dXJl"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected bad signature to be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, twilioRequest(form, ""))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected missing signature to be rejected, got %d", rec.Code)
	}
}

func TestTwilioSignature_DisabledWithoutToken(t *testing.T) {
	h := TwilioSignature("", "")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, twilioRequest(url.Values{"Body": {"x"}}, ""))
	if rec.Code != http.StatusOK {
		t.Errorf("expected pass-through without token, got %d", rec.Code)
	}
}

func metaSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMetaSignature(t *testing.T) {
	const secret = "app-secret"
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	h := MetaSignature(secret)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/webhook/meta", strings.NewReader(string(body)))
	req.Header.Set(MetaSignatureHeader, metaSign(secret, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected valid signature to pass, got %d", rec.Code)
	}
	if rec.Body.String() != string(body) {
		t.Errorf("expected body to be restored for the handler, got %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/meta", strings.NewReader(string(body)))
	req.Header.Set(MetaSignatureHeader, metaSign("wrong", body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected bad signature to be rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook/meta?hub.mode=subscribe", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected GET handshake to bypass signature check, got %d", rec.Code)
	}
}

func TestValidMetaSignature(t *testing.T) {
	body := []byte("payload")
	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid", metaSign("s", body), true},
		{"missing prefix", strings.TrimPrefix(metaSign("s", body), "sha256="), false},
		{"not hex", "sha256=zz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		if got := ValidMetaSignature(body, tt.sig, "s"); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestKeyedLimiter_AllowAndBurst(t *testing.T) {
	l := NewKeyedLimiter(1, 2, time.Minute)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("a") {
		t.Error("expected third request in the same instant to be limited")
	}
	if !l.Allow("b") {
		t.Error("expected a different key to have its own bucket")
	}
}

func TestKeyedLimiter_Sweep(t *testing.T) {
	l := NewKeyedLimiter(1, 1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	if removed := l.Sweep(); removed != 1 {
		t.Errorf("expected 1 idle limiter removed, got %d", removed)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 limiter remaining, got %d", l.Len())
	}
}

type fakeScheduler struct {
	exprs []string
	err   error
}

func (f *fakeScheduler) AddJob(expr string, task func()) error {
	if f.err != nil {
		return f.err
	}
	f.exprs = append(f.exprs, expr)
	return nil
}

func TestKeyedLimiter_Register(t *testing.T) {
	fs := &fakeScheduler{}
	if err := NewKeyedLimiter(0, 0, 0).Register(fs, 0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(fs.exprs) != 1 || fs.exprs[0] != "@every 1m0s" {
		t.Errorf("unexpected schedule %v", fs.exprs)
	}
	if err := NewKeyedLimiter(0, 0, 0).Register(&fakeScheduler{err: errors.New("boom")}, time.Second); err == nil {
		t.Error("expected scheduling error")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewKeyedLimiter(1, 1, time.Minute)
	h := RateLimit(l, RemoteAddrKey)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("10.0.0.1:1234"); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := send("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Errorf("expected second request from the same host to be limited, got %d", code)
	}
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("expected another host to pass, got %d", code)
	}
}

func TestRequestKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("From=whatsapp%3A%2B972501234567"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.1.1.1:80"
	if got := TwilioSenderKey(req); got != "whatsapp:+972501234567" {
		t.Errorf("expected sender key, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := RemoteAddrKey(req); got != "203.0.113.9" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(okHandler(), mw("first"), mw("second")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("unexpected middleware order %v", order)
	}
}
