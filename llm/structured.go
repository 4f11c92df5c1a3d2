package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotJSON is returned when a provider's output cannot be read as a JSON
// object even after fence stripping. Callers may attempt their own repair
// pass before giving up on the batch.
var ErrNotJSON = errors.New("llm: response is not a JSON object")

// StructuredRequest asks for a single JSON object matching Schema.
type StructuredRequest struct {
	Model       string
	System      string
	Prompt      string
	Schema      json.RawMessage
	Temperature float64
	MaxTokens   int
}

// StructuredResult is the validated JSON payload plus usage accounting.
type StructuredResult struct {
	JSON             json.RawMessage
	Raw              string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client is the structured-output contract the extraction pipeline consumes.
type Client interface {
	ChatStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error)
}

type structuredClient struct {
	provider Provider
}

// NewClient wraps a raw chat provider in the structured-output contract.
func NewClient(p Provider) Client {
	return &structuredClient{provider: p}
}

func (c *structuredClient) ChatStructured(ctx context.Context, req StructuredRequest) (*StructuredResult, error) {
	system := req.System
	if system != "" {
		system += "\n\n"
	}
	system += "Respond with a single JSON object matching this JSON Schema, and nothing else:\n" + string(req.Schema)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model:          req.Model,
		System:         system,
		Messages:       []Message{{Role: "user", Content: req.Prompt}},
		Temperature:    req.Temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	payload, err := ExtractJSON(resp.Content)
	if err != nil {
		return &StructuredResult{Raw: resp.Content, Model: resp.Model,
			PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}, err
	}
	return &StructuredResult{
		JSON:             payload,
		Raw:              resp.Content,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}

// ExtractJSON pulls the JSON object out of a model response, tolerating
// markdown code fences and prose around the object.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no object delimiters", ErrNotJSON)
	}
	s = s[start : end+1]
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: invalid JSON body", ErrNotJSON)
	}
	return json.RawMessage(s), nil
}
