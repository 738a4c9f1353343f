package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Graph API defaults for media lookups.
const (
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v21.0"
	DefaultMediaTimeout    = 10 * time.Second
)

// MediaPlaceholderScheme prefixes media ids when no resolver is configured.
const MediaPlaceholderScheme = "meta-media:"

var ErrAccessTokenRequired = errors.New("Meta access token is required")

// MediaResolver turns a Cloud API media id into a downloadable URL.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, mediaID string) (string, error)
}

// GraphMediaResolver resolves media ids through the Graph API.
type GraphMediaResolver struct {
	client     *resty.Client
	apiVersion string
}

// GraphOpts holds configuration options for GraphMediaResolver.
type GraphOpts struct {
	AccessToken string
	BaseURL     string
	APIVersion  string
	Timeout     time.Duration
}

// GraphOption defines a configuration option for GraphMediaResolver.
type GraphOption func(*GraphOpts)

// WithAccessToken sets the bearer token for Graph API calls.
func WithAccessToken(token string) GraphOption {
	return func(o *GraphOpts) { o.AccessToken = token }
}

// WithGraphBaseURL overrides the Graph API host.
func WithGraphBaseURL(u string) GraphOption {
	return func(o *GraphOpts) { o.BaseURL = u }
}

// WithGraphAPIVersion overrides the Graph API version path segment.
func WithGraphAPIVersion(v string) GraphOption {
	return func(o *GraphOpts) { o.APIVersion = v }
}

// NewGraphMediaResolver creates a resolver backed by resty.
func NewGraphMediaResolver(opts ...GraphOption) (*GraphMediaResolver, error) {
	cfg := GraphOpts{
		BaseURL:    DefaultGraphBaseURL,
		APIVersion: DefaultGraphAPIVersion,
		Timeout:    DefaultMediaTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		return nil, ErrAccessTokenRequired
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout)
	return &GraphMediaResolver{client: c, apiVersion: cfg.APIVersion}, nil
}

type graphMediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	ID       string `json:"id"`
}

// ResolveMediaURL fetches the media object and returns its URL.
func (g *GraphMediaResolver) ResolveMediaURL(ctx context.Context, mediaID string) (string, error) {
	var out graphMediaResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"version": g.apiVersion, "id": mediaID}).
		SetResult(&out).
		Get("/{version}/{id}")
	if err != nil {
		return "", fmt.Errorf("graph media request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("graph media status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.URL == "" {
		return "", fmt.Errorf("graph media %s: response has no url", mediaID)
	}
	slog.Debug("GraphMediaResolver.ResolveMediaURL: media resolved", "media_id", mediaID, "mime_type", out.MimeType)
	return out.URL, nil
}
