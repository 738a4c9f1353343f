package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// ClassifierSystemPrompt instructs the model to answer with a single JSON object.
const ClassifierSystemPrompt = `You triage resident complaints sent to a municipal hotline over WhatsApp.
Messages may be in Hebrew, Arabic or English. An image may be attached.
If the text is exactly "[image without text]" the resident sent only a photo; classify from the image.
Answer with one JSON object and nothing else, using these keys:
  "category":   short snake_case label such as street_lighting, roads, sanitation, water, parks, noise, other
  "urgency":    one of low, medium, high, critical
  "department": the municipal department that should handle it
  "summary":    one English sentence describing the problem
  "location":   the address or place mentioned, or an empty string`

// FallbackClassification is the record used when the classifier cannot answer.
func FallbackClassification() models.Classification {
	return models.Classification{
		Category:   models.FallbackCategory,
		Urgency:    models.UrgencyMedium,
		Department: models.FallbackDepartment,
		Summary:    "automatic classification unavailable",
		Fallback:   true,
	}
}

// Classify returns structured fields for a complaint. text may be the image-only
// sentinel; imageURL may be empty. Failed attempts are retried with exponential
// backoff; when attempts are exhausted the fallback record is returned together
// with the last error.
func (c *Client) Classify(ctx context.Context, text, imageURL string) (models.Classification, error) {
	if strings.TrimSpace(text) == "" && imageURL == "" {
		return FallbackClassification(), ErrEmptyInput
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	params := c.classificationParams(text, imageURL)

	var result models.Classification
	attempt := 0
	op := func() error {
		attempt++
		content, err := c.complete(ctx, "Classify", params)
		if err != nil {
			slog.Warn("GenAI.Classify: completion failed", "attempt", attempt, "error", err)
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		parsed, err := parseClassification(content)
		if err != nil {
			slog.Warn("GenAI.Classify: unparseable classifier answer", "attempt", attempt, "error", err)
			return err
		}
		result = parsed
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxInterval = c.maxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("GenAI.Classify: giving up, using fallback classification", "attempts", attempt, "error", err)
		return FallbackClassification(), fmt.Errorf("classification failed after %d attempts: %w", attempt, err)
	}
	slog.Debug("GenAI.Classify: complaint classified", "category", result.Category, "urgency", result.Urgency, "attempts", attempt)
	return result, nil
}

func (c *Client) classificationParams(text, imageURL string) openai.ChatCompletionNewParams {
	var user openai.ChatCompletionMessageParamUnion
	if fetchableImage(imageURL) {
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(text),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
		})
	} else {
		user = openai.UserMessage(text)
	}
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(ClassifierSystemPrompt),
			user,
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	return params
}

// fetchableImage reports whether the model can load imageURL itself.
func fetchableImage(imageURL string) bool {
	return strings.HasPrefix(imageURL, "https://") || strings.HasPrefix(imageURL, "http://") || strings.HasPrefix(imageURL, "data:image/")
}

// parseClassification decodes the model's JSON answer, tolerating a fenced code block.
func parseClassification(content string) (models.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var c models.Classification
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return models.Classification{}, fmt.Errorf("invalid classifier JSON: %w", err)
	}
	c.Fallback = false
	c.Normalize()
	return c, nil
}

// isPermanent reports API errors that retrying cannot fix.
func isPermanent(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}

// Unavailable stands in for the classifier when no API key is configured.
// Every complaint gets the fallback record and is flagged for manual review.
type Unavailable struct{}

func (Unavailable) Classify(ctx context.Context, text, imageURL string) (models.Classification, error) {
	return FallbackClassification(), nil
}
