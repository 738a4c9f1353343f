// Package middleware provides the pass/reject layer in front of the webhook
// handlers: provider signature checks and per-client rate limiting.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// MaxBodyBytes bounds webhook bodies read by the signature checks.
const MaxBodyBytes = 1 << 20

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one listed runs first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// reject writes the JSON error envelope and counts the rejection.
func reject(w http.ResponseWriter, statusCode int, reason, message string) {
	metrics.WebhookRejectedTotal.WithLabelValues(reason).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(models.Error(message)); err != nil {
		slog.Error("Middleware.reject: failed to write response", "error", err)
	}
}

// RemoteAddrKey keys requests by the first X-Forwarded-For hop, falling back
// to the connection's remote address.
func RemoteAddrKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TwilioSenderKey keys Twilio webhooks by the WhatsApp sender so one chatty
// resident cannot starve everyone else behind Twilio's shared egress IPs.
func TwilioSenderKey(r *http.Request) string {
	if from := r.PostFormValue("From"); from != "" {
		return from
	}
	return RemoteAddrKey(r)
}
