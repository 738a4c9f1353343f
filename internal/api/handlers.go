package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/ComplaintPipe/internal/intake"
	"github.com/BTreeMap/ComplaintPipe/internal/metrics"
	"github.com/BTreeMap/ComplaintPipe/internal/middleware"
	"github.com/BTreeMap/ComplaintPipe/internal/models"
	"github.com/BTreeMap/ComplaintPipe/internal/store"
	"github.com/BTreeMap/ComplaintPipe/internal/webhook"
)

// deliveryOutcome reports what happened to one message of a webhook delivery.
type deliveryOutcome struct {
	ID      string                `json:"id"`
	Outcome intake.Outcome        `json:"outcome,omitempty"`
	Pairing *models.PairingResult `json:"pairing,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "Server.twilioWebhookHandler", r, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, middleware.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form body"))
		return
	}

	msg, err := webhook.ParseTwilioForm(r.PostForm, s.cfg.Now())
	if errors.Is(err, webhook.ErrUnsupportedMessage) {
		slog.Debug("Server.twilioWebhookHandler: ignoring delivery", "reason", err)
		writeTwiMLResponse(w, http.StatusOK)
		return
	}
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to normalize delivery", "error", err)
		metrics.WebhookRejectedTotal.WithLabelValues(metrics.RejectInvalid).Inc()
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if _, err := s.events.Handle(r.Context(), msg); err != nil {
		s.writeHandleError(w, "Server.twilioWebhookHandler", msg, err)
		return
	}
	writeTwiMLResponse(w, http.StatusOK)
}

func (s *Server) metaWebhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.metaVerifyHandler(w, r)
	case http.MethodPost:
		s.metaDeliveryHandler(w, r)
	default:
		methodNotAllowed(w, "Server.metaWebhookHandler", r, http.MethodGet+", "+http.MethodPost)
	}
}

func (s *Server) metaVerifyHandler(w http.ResponseWriter, r *http.Request) {
	challenge, err := webhook.VerifySubscription(r.URL.Query(), s.cfg.MetaVerifyToken)
	if err != nil {
		slog.Warn("Server.metaVerifyHandler: verification rejected", "mode", r.URL.Query().Get("hub.mode"))
		writeJSONResponse(w, http.StatusForbidden, models.Error("verification failed"))
		return
	}
	slog.Info("Server.metaVerifyHandler: webhook subscription verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (s *Server) metaDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxBodyBytes))
	if err != nil {
		slog.Warn("Server.metaDeliveryHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("unreadable body"))
		return
	}

	msgs, parseErr := webhook.ParseMetaPayload(r.Context(), body, s.cfg.MediaResolver, s.cfg.Now())
	switch {
	case errors.Is(parseErr, webhook.ErrUnsupportedMessage):
		writeJSONResponse(w, http.StatusOK, models.WithOutcome(models.APIStatusIgnored, nil))
		return
	case errors.Is(parseErr, webhook.ErrInvalidPayload):
		slog.Warn("Server.metaDeliveryHandler: invalid payload", "error", parseErr)
		metrics.WebhookRejectedTotal.WithLabelValues(metrics.RejectInvalid).Inc()
		writeJSONResponse(w, http.StatusBadRequest, models.Error(parseErr.Error()))
		return
	}

	outcomes := make([]deliveryOutcome, 0, len(msgs))
	for _, msg := range msgs {
		res, err := s.events.Handle(r.Context(), msg)
		if errors.Is(err, intake.ErrProcessorClosed) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
			return
		}
		if err != nil {
			slog.Warn("Server.metaDeliveryHandler: message rejected", "id", msg.ID, "error", err)
			outcomes = append(outcomes, deliveryOutcome{ID: msg.ID, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, deliveryOutcome{ID: msg.ID, Outcome: res.Outcome, Pairing: res.Pairing})
	}

	// Unresolved media: ask Meta to redeliver; handled messages come back as duplicates.
	if parseErr != nil {
		slog.Warn("Server.metaDeliveryHandler: partial delivery, requesting redelivery", "error", parseErr, "handled", len(outcomes))
		writeJSONResponse(w, http.StatusInternalServerError, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(parseErr.Error()).
			WithResult(outcomes).
			Build())
		return
	}
	if len(outcomes) == 0 {
		writeJSONResponse(w, http.StatusOK, models.WithOutcome(models.APIStatusIgnored, nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.WithOutcome(models.APIStatusAccepted, outcomes))
}

func (s *Server) writeHandleError(w http.ResponseWriter, handler string, msg models.InboundMessage, err error) {
	if errors.Is(err, intake.ErrProcessorClosed) {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
		return
	}
	slog.Warn(handler+": message rejected", "id", msg.ID, "error", err)
	metrics.WebhookRejectedTotal.WithLabelValues(metrics.RejectInvalid).Inc()
	writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
}

func (s *Server) complaintsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "Server.complaintsHandler", r, http.MethodGet)
		return
	}
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxComplaintsLimit)
	}
	rows, err := s.complaints.GetComplaints(r.Context(), limit)
	if err != nil {
		slog.Error("Server.complaintsHandler: failed to list complaints", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list complaints"))
		return
	}
	if rows == nil {
		rows = []models.ComplaintRow{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rows))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "Server.statsHandler", r, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.events.Stats()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "Server.healthHandler", r, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
