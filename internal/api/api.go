// Package api provides the HTTP server for ComplaintPipe.
//
// It exposes the provider webhooks, a read-only view of recently recorded
// complaints, processor statistics, a health check and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/ComplaintPipe/internal/intake"
	"github.com/BTreeMap/ComplaintPipe/internal/middleware"
	"github.com/BTreeMap/ComplaintPipe/internal/models"
	"github.com/BTreeMap/ComplaintPipe/internal/webhook"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 20 * time.Second
	MaxComplaintsLimit     = 1000
)

// Route paths.
const (
	PathTwilioWebhook = "/webhook/twilio"
	PathMetaWebhook   = "/webhook/meta"
	PathComplaints    = "/complaints"
	PathStats         = "/stats"
	PathHealth        = "/healthz"
	PathMetrics       = "/metrics"
)

// EventHandler is the intake processor as seen by the webhooks.
type EventHandler interface {
	Handle(ctx context.Context, msg models.InboundMessage) (intake.Result, error)
	Stats() intake.Stats
}

// ComplaintLister serves GET /complaints.
type ComplaintLister interface {
	GetComplaints(ctx context.Context, limit int) ([]models.ComplaintRow, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	PublicURL       string
	TwilioAuthToken string
	MetaVerifyToken string
	MetaAppSecret   string
	MediaResolver   webhook.MediaResolver
	Limiter         *middleware.KeyedLimiter
	Now             func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the externally visible base URL used for Twilio signatures.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// WithTwilioAuthToken enables Twilio signature verification.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithMeta configures the Meta handshake token and signature secret.
func WithMeta(verifyToken, appSecret string) Option {
	return func(o *Opts) {
		o.MetaVerifyToken = verifyToken
		o.MetaAppSecret = appSecret
	}
}

// WithMediaResolver sets how Meta media ids become URLs.
func WithMediaResolver(r webhook.MediaResolver) Option {
	return func(o *Opts) { o.MediaResolver = r }
}

// WithRateLimiter enables per-client rate limiting on the webhooks.
func WithRateLimiter(l *middleware.KeyedLimiter) Option {
	return func(o *Opts) { o.Limiter = l }
}

// WithClock overrides the arrival clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Server is the ComplaintPipe HTTP server.
type Server struct {
	events     EventHandler
	complaints ComplaintLister
	cfg        Opts
	handler    http.Handler
}

// NewServer creates a server and registers its routes.
func NewServer(events EventHandler, complaints ComplaintLister, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{events: events, complaints: complaints, cfg: cfg}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	// signature checks run before the rate limit
	twilioChain := []middleware.Middleware{middleware.TwilioSignature(s.cfg.TwilioAuthToken, s.cfg.PublicURL)}
	metaChain := []middleware.Middleware{middleware.MetaSignature(s.cfg.MetaAppSecret)}
	if s.cfg.Limiter != nil {
		twilioChain = append(twilioChain, middleware.RateLimit(s.cfg.Limiter, middleware.TwilioSenderKey))
		metaChain = append(metaChain, middleware.RateLimit(s.cfg.Limiter, middleware.RemoteAddrKey))
	}

	mux := http.NewServeMux()
	mux.Handle(PathTwilioWebhook, middleware.Chain(http.HandlerFunc(s.twilioWebhookHandler), twilioChain...))
	mux.Handle(PathMetaWebhook, middleware.Chain(http.HandlerFunc(s.metaWebhookHandler), metaChain...))
	mux.HandleFunc(PathComplaints, s.complaintsHandler)
	mux.HandleFunc(PathStats, s.statsHandler)
	mux.HandleFunc(PathHealth, s.healthHandler)
	mux.Handle(PathMetrics, promhttp.Handler())
	return mux
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
