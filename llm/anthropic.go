package llm

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel   = "claude-3-5-haiku-latest"
	anthropicMaxRetries     = 3
	anthropicInitialBackoff = 1 * time.Second
)

// anthropicProvider implements Provider over the Anthropic Messages API.
// Anthropic has no OpenAI-compatible endpoint, so it gets a native adapter
// rather than the shared compat client.
type anthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a provider for the Anthropic API. Env var
// ANTHROPIC_API_KEY takes precedence over the configured key.
func NewAnthropic(cfg Config) (Provider, error) {
	apiKey := cfg.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: set ANTHROPIC_API_KEY or api_key in config")
	}
	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := anthropicInitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		message, err := p.client.Messages.New(ctx, params)
		if err != nil {
			lastErr = err
			continue
		}
		if len(message.Content) == 0 {
			lastErr = fmt.Errorf("anthropic: empty response content")
			continue
		}
		content := message.Content[0]
		if content.Type != "text" {
			return nil, fmt.Errorf("anthropic: unexpected content block type %q", content.Type)
		}
		return &ChatResponse{
			Content:          content.Text,
			Model:            string(message.Model),
			FinishReason:     string(message.StopReason),
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		}, nil
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}
