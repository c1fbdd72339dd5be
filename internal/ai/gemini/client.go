// Package gemini implements the ai.Generator contract on top of the
// Google GenAI Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/panelforge/panelforge/internal/utils"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultModel      = "gemini-2.5-flash"
	defaultEmbedModel = "gemini-embedding-001"

	retryBaseDelay = 2 * time.Second
	// maxQuotaDelay caps how long a quota backoff is worth waiting for
	// before giving up instead.
	maxQuotaDelay = 15 * time.Second

	maxLogLength = 200
)

var wait = utils.WaitFor

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// chatSession and chatCreator mirror the small slice of the genai client
// the generator uses, so tests can substitute fakes.
type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type contentStreamer interface {
	Stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type embedder interface {
	Embed(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Client talks to the Gemini API and implements ai.Generator.
type Client struct {
	chats      chatCreator
	streamer   contentStreamer
	embedder   embedder
	model      string
	embedModel string
	maxRetries int
	logger     *zap.Logger
}

// Config holds provider settings resolved from the application config.
type Config struct {
	APIKey     string
	Model      string
	EmbedModel string
	MaxRetries int
}

// New creates a Client configured for the Gemini API backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	embedModel := strings.TrimSpace(cfg.EmbedModel)
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		chats:      &genaiChats{client: client},
		streamer:   &genaiModels{client: client},
		embedder:   &genaiModels{client: client},
		model:      model,
		embedModel: embedModel,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// Model returns the configured generation model name.
func (c *Client) Model() string { return c.model }

// Generate sends the prompt in a one-shot chat session and returns the
// concatenated textual response.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	return c.generate(ctx, system, prompt, nil)
}

// GenerateJSON is Generate with the response constrained to JSON.
func (c *Client) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	return c.generate(ctx, system, prompt, cfg)
}

func (c *Client) generate(ctx context.Context, system, prompt string, config *genai.GenerateContentConfig) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	if config == nil {
		config = &genai.GenerateContentConfig{}
	}
	if system = strings.TrimSpace(system); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	c.logger.Debug("gemini generate request",
		zap.String("model", c.model),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, maxLogLength)),
	)

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		chat, err := c.chats.Create(ctx, c.model, config, nil)
		if err != nil {
			return "", fmt.Errorf("create chat session: %w", err)
		}

		resp, err := chat.SendMessage(ctx, genai.Part{Text: prompt})
		if err == nil {
			output := collectText(resp)
			if output == "" {
				return "", errors.New("gemini api returned empty response")
			}

			c.logger.Debug("gemini generate response",
				zap.String("response_preview", utils.TruncateForLog(output, maxLogLength)),
			)

			return output, nil
		}

		lastErr = err
		delay, retryable := retryDelay(err, attempt)
		if !retryable || attempt == c.maxRetries {
			break
		}

		c.logger.Warn("gemini call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := wait(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("generate content: %w", lastErr)
}

// GenerateStream yields the response as text fragments in arrival order.
// Streaming is a single forward pass: errors are surfaced to the consumer
// and never retried internally.
func (c *Client) GenerateStream(ctx context.Context, system, prompt string) iter.Seq2[string, error] {
	config := &genai.GenerateContentConfig{}
	if system = strings.TrimSpace(system); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	return func(yield func(string, error) bool) {
		for resp, err := range c.streamer.Stream(ctx, c.model, genai.Text(prompt), config) {
			if err != nil {
				yield("", fmt.Errorf("stream content: %w", err))
				return
			}

			// Fragments keep their spacing: trimming happens once on
			// the assembled text, never per chunk.
			fragment := rawText(resp)
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// Embed returns a single embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("text must not be empty")
	}

	resp, err := c.embedder.Embed(ctx, c.embedModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini api returned empty embedding")
	}

	values := resp.Embeddings[0].Values
	vector := make([]float64, len(values))
	for i, v := range values {
		vector[i] = float64(v)
	}

	return vector, nil
}

// retryDelay classifies an API error and returns how long to back off
// before the next attempt.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}

	switch {
	case apiErr.Code >= 500:
		return time.Duration(attempt) * retryBaseDelay, true
	case apiErr.Code == 429:
		delay := quotaDelay(apiErr.Message)
		if delay > maxQuotaDelay {
			return 0, false
		}
		if delay == 0 {
			delay = time.Duration(attempt) * retryBaseDelay
		}
		return delay, true
	default:
		return 0, false
	}
}

func quotaDelay(message string) time.Duration {
	match := retryAfterRe.FindStringSubmatch(strings.ToLower(message))
	if len(match) != 2 {
		return 0
	}

	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func collectText(resp *genai.GenerateContentResponse) string {
	return strings.TrimSpace(rawText(resp))
}

func rawText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
	}

	return builder.String()
}

// genaiChats adapts the real client to the chatCreator interface.
type genaiChats struct {
	client *genai.Client
}

func (c *genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := c.client.Chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// genaiModels adapts the real client to the streaming and embedding
// interfaces.
type genaiModels struct {
	client *genai.Client
}

func (m *genaiModels) Stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return m.client.Models.GenerateContentStream(ctx, model, contents, config)
}

func (m *genaiModels) Embed(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	return m.client.Models.EmbedContent(ctx, model, contents, config)
}
