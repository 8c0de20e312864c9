package prompts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultEnhancerModel   = "gpt-4o-mini"
	defaultEnhancerTimeout = 30 * time.Second
	maxRetries             = 3
	retryDelay             = time.Second
	maxPromptLength        = 1000
)

const systemPrompt = `You rewrite short ideas into prompts for a Stable Diffusion XL wallpaper generator.
Keep the user's subject. Add composition, lighting and style details.
Answer with the prompt only, one line, no quotes, under 75 words.`

// qualityTags are appended by the static enhancer
const qualityTags = "highly detailed, sharp focus, wallpaper"

// Enhancer rewrites a user prompt into a richer one
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// StaticEnhancer appends fixed quality tags; it never fails
type StaticEnhancer struct{}

func (StaticEnhancer) Enhance(_ context.Context, prompt string) (string, error) {
	p := strings.TrimSpace(prompt)
	if p == "" || strings.Contains(p, qualityTags) {
		return p, nil
	}
	return p + ", " + qualityTags, nil
}

// OpenAIOptions configures an OpenAIEnhancer
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Fallback   Enhancer
	Logger     zerolog.Logger
}

// OpenAIEnhancer uses any OpenAI-compatible chat completion endpoint
type OpenAIEnhancer struct {
	client   *openai.Client
	model    string
	fallback Enhancer
	logger   zerolog.Logger
}

var _ Enhancer = (*OpenAIEnhancer)(nil)

// NewOpenAIEnhancer builds an enhancer. A nil Fallback disables falling back.
func NewOpenAIEnhancer(opts OpenAIOptions) *OpenAIEnhancer {
	cfg := openai.DefaultConfig(strings.TrimSpace(opts.APIKey))
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		cfg.BaseURL = base
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultEnhancerTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	cfg.HTTPClient = httpClient

	model := opts.Model
	if model == "" {
		model = defaultEnhancerModel
	}
	return &OpenAIEnhancer{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		fallback: opts.Fallback,
		logger:   opts.Logger.With().Str("component", "enhancer").Logger(),
	}
}

// Enhance asks the model for a better prompt, retrying transient failures.
// When every attempt fails and a fallback is configured, the fallback's answer is returned.
func (e *OpenAIEnhancer) Enhance(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		out, err := e.complete(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	if e.fallback != nil {
		e.logger.Warn().Err(lastErr).Msg("enhancer unavailable, using fallback")
		return e.fallback.Enhance(ctx, prompt)
	}
	return "", fmt.Errorf("failed to enhance prompt: %w", lastErr)
}

func (e *OpenAIEnhancer) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	out = strings.Trim(out, "\"'")
	if out == "" {
		return "", errors.New("empty completion")
	}
	if len(out) > maxPromptLength {
		out = out[:maxPromptLength]
	}
	return out, nil
}

func isRetryableError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
