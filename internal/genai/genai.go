// Package genai provides GenAI-backed scenario authoring using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/util"
)

const scenarioSystemPrompt = `You are a scenario author for a WhatsApp conversation replay tool.
Given a brief, write a realistic two-party WhatsApp conversation as JSON with this exact shape:
{"metadata":{"id":"","title":"...","business_name":"..."},
 "messages":[{"sender":"user|business","type":"text","content":"...",
 "delay_before_typing":<ms>,"typing_duration":<ms>}],
 "settings":{"playback_speed":1.0}}
Rules: 4 to 12 messages, alternate senders naturally, delays 500-4000ms,
typing durations roughly proportional to message length (40-80ms per character),
leave metadata.id empty. Respond with the JSON document only, no prose.`

// completionService is the minimal chat-completion surface we depend on.
// Satisfied by the OpenAI client's Chat.Completions service and by test fakes.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model used for scenario authoring.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client authors conversation scenarios via OpenAI chat completions.
type Client struct {
	completions completionService
	model       openai.ChatModel
	newID       func() string
}

// NewClient creates a GenAI client. The API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI client API key not set")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{
		completions: &cli.Chat.Completions,
		model:       cfg.Model,
		newID:       func() string { return util.GenerateRandomID("gen_", 16) },
	}, nil
}

// GenerateScenario authors a conversation template from a free-text brief.
// The model's JSON output is parsed and validated; a fresh scenario ID is
// minted regardless of what the model returned.
func (c *Client) GenerateScenario(ctx context.Context, brief string) (models.ConversationTemplate, error) {
	slog.Debug("GenAI.GenerateScenario invoked", "brief_len", len(brief))
	if strings.TrimSpace(brief) == "" {
		return models.ConversationTemplate{}, fmt.Errorf("scenario brief cannot be empty")
	}

	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(scenarioSystemPrompt),
			openai.UserMessage(brief),
		},
	})
	if err != nil {
		slog.Error("GenAI completion failed", "error", err)
		return models.ConversationTemplate{}, fmt.Errorf("scenario generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.ConversationTemplate{}, fmt.Errorf("scenario generation returned no choices")
	}

	raw := stripCodeFences(resp.Choices[0].Message.Content)
	var tpl models.ConversationTemplate
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
		slog.Error("GenAI returned unparseable scenario", "error", err)
		return models.ConversationTemplate{}, fmt.Errorf("failed to parse generated scenario: %w", err)
	}

	tpl.Metadata.ID = c.newID()
	if tpl.Settings.PlaybackSpeed == 0 {
		tpl.Settings.PlaybackSpeed = models.DefaultPlaybackSpeed
	}
	if err := tpl.Validate(); err != nil {
		slog.Error("GenAI returned invalid scenario", "error", err, "title", tpl.Metadata.Title)
		return models.ConversationTemplate{}, fmt.Errorf("generated scenario invalid: %w", err)
	}
	slog.Info("GenAI scenario generated", "id", tpl.Metadata.ID, "title", tpl.Metadata.Title, "messages", len(tpl.Messages))
	return tpl, nil
}

// stripCodeFences removes a surrounding markdown code fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
