// Package genai classifies complaints using the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	// DefaultModel is the chat model used for classification.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps classification output stable.
	DefaultTemperature = 0.1
	// DefaultMaxCompletionTokens bounds the classifier's JSON answer.
	DefaultMaxCompletionTokens = 400
	// DefaultMaxAttempts is the number of classification attempts before falling back.
	DefaultMaxAttempts = 3
	// DefaultInitialBackoff is the delay before the first retry.
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = 5 * time.Second
	// DefaultCallTimeout bounds a single classification including retries.
	DefaultCallTimeout = 30 * time.Second
)

// Error variables for GenAI operations
var (
	ErrAPIKeyRequired    = errors.New("OpenAI API key is required")
	ErrNoChoicesReturned = errors.New("no choices returned from OpenAI")
	ErrEmptyInput        = errors.New("classification requires text or an image")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	CallTimeout         time.Duration
	DebugMode           bool
	StateDir            string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxAttempts sets the number of attempts per classification.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoff sets the initial and maximum retry delays.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Opts) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
	}
}

// WithCallTimeout bounds a single classification including retries.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CallTimeout = d }
}

// WithDebugMode writes every request/response pair under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat completion service for complaint classification.
type Client struct {
	chat                chatService
	model               openai.ChatModel
	temperature         float64
	maxCompletionTokens int64
	maxAttempts         int
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	callTimeout         time.Duration
	debugMode           bool
	stateDir            string
}

// NewClient initializes a new GenAI client. The API key falls back to
// OPENAI_API_KEY when not supplied through options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		MaxAttempts:         DefaultMaxAttempts,
		InitialBackoff:      DefaultInitialBackoff,
		MaxBackoff:          DefaultMaxBackoff,
		CallTimeout:         DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	slog.Debug("GenAI NewClient options set", "APIKey_set", cfg.APIKey != "", "model", cfg.Model, "max_attempts", cfg.MaxAttempts, "debug", cfg.DebugMode)
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return newClientWithChat(completionsAdapter{svc: &cli.Chat.Completions}, cfg), nil
}

func newClientWithChat(chat chatService, cfg Opts) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		chat:                chat,
		model:               openai.ChatModel(cfg.Model),
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		maxAttempts:         cfg.MaxAttempts,
		initialBackoff:      cfg.InitialBackoff,
		maxBackoff:          cfg.MaxBackoff,
		callTimeout:         cfg.CallTimeout,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}
}

// complete performs a single chat completion call and returns the first choice.
func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog(method, params, resp, err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// writeDebugLog stores one call transcript as a JSON file when debug mode is on.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	debugDir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Warn("GenAI debug log: failed to create directory", "error", err, "dir", debugDir)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     string(c.model),
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug log: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(debugDir, name), data, 0644); err != nil {
		slog.Warn("GenAI debug log: failed to write file", "error", err)
	}
}
