// Package generation implements contracts.TextGenerator on the OpenAI chat
// completions API.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// ProviderOpenAI is the provider prefix this generator serves.
const ProviderOpenAI = "openai"

// Config configures the OpenAI client. BaseURL is optional and points the
// client at a compatible endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAIGenerator calls the chat completions endpoint once per Generate.
// Retries are the orchestrator's concern, so the client's own are off.
type OpenAIGenerator struct {
	client openai.Client
	hasKey bool
}

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		hasKey: cfg.APIKey != "",
	}
}

// HasCredential reports whether the generator can serve provider.
func (g *OpenAIGenerator) HasCredential(provider string) bool {
	return provider == ProviderOpenAI && g.hasKey
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req contracts.GenerationRequest) (*contracts.GenerationResponse, error) {
	if req.Provider != ProviderOpenAI {
		return nil, fmt.Errorf("provider %q is not served by the OpenAI generator", req.Provider)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai chat completion failed with HTTP %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if resp == nil {
		return nil, errors.New("openai chat completion returned no response")
	}

	out := &contracts.GenerationResponse{
		ResponseID:    resp.ID,
		ResponseModel: resp.Model,
		Usage: models.TokenUsage{
			InputTokens:     resp.Usage.PromptTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			ReasoningTokens: resp.Usage.CompletionTokensDetails.ReasoningTokens,
			TotalTokens:     resp.Usage.TotalTokens,
		},
	}
	// No choices is empty output, which the caller retries.
	if len(resp.Choices) == 0 {
		out.Warnings = append(out.Warnings, "response contained no choices")
		return out, nil
	}

	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	switch out.FinishReason {
	case "length":
		out.Warnings = append(out.Warnings, "output truncated at the token limit")
	case "content_filter":
		out.Warnings = append(out.Warnings, "output withheld by the provider content filter")
	}
	if choice.Message.Refusal != "" {
		out.Warnings = append(out.Warnings, "model refused: "+choice.Message.Refusal)
	}
	return out, nil
}
