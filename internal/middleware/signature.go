package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
)

// Header names carrying provider signatures.
const (
	TwilioSignatureHeader = "X-Twilio-Signature"
	MetaSignatureHeader   = "X-Hub-Signature-256"
)

// TwilioSignature verifies X-Twilio-Signature against the request URL and form.
// publicURL is the externally visible base (scheme and host) Twilio was
// configured with; when empty it is rebuilt from the request. An empty
// authToken disables the check.
func TwilioSignature(authToken, publicURL string) Middleware {
	if authToken == "" {
		slog.Warn("TwilioSignature: auth token not set, Twilio webhook signatures are not verified")
		return passThrough
	}
	validator := client.NewRequestValidator(authToken)
	base := strings.TrimSuffix(publicURL, "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
			if err := r.ParseForm(); err != nil {
				slog.Warn("TwilioSignature: failed to parse form", "error", err)
				reject(w, http.StatusBadRequest, metrics.RejectInvalid, "invalid form body")
				return
			}
			params := make(map[string]string, len(r.PostForm))
			for k, v := range r.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			fullURL := requestURL(r, base)
			if !validator.Validate(fullURL, params, r.Header.Get(TwilioSignatureHeader)) {
				slog.Warn("TwilioSignature: signature mismatch", "url", fullURL)
				reject(w, http.StatusForbidden, metrics.RejectBadSignature, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetaSignature verifies X-Hub-Signature-256 (HMAC-SHA256 of the raw body with
// the app secret). GET handshakes carry no body and pass through. An empty
// appSecret disables the check.
func MetaSignature(appSecret string) Middleware {
	if appSecret == "" {
		slog.Warn("MetaSignature: app secret not set, Meta webhook signatures are not verified")
		return passThrough
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				slog.Warn("MetaSignature: failed to read body", "error", err)
				reject(w, http.StatusBadRequest, metrics.RejectInvalid, "unreadable body")
				return
			}
			if !ValidMetaSignature(body, r.Header.Get(MetaSignatureHeader), appSecret) {
				slog.Warn("MetaSignature: signature mismatch")
				reject(w, http.StatusForbidden, metrics.RejectBadSignature, "invalid signature")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// ValidMetaSignature checks a "sha256=<hex>" signature over body.
func ValidMetaSignature(body []byte, signature, appSecret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func requestURL(r *http.Request, base string) string {
	if base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func passThrough(next http.Handler) http.Handler {
	return next
}
