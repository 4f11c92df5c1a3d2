package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// openAICompatClient is the shared base for all OpenAI-compatible providers.
type openAICompatClient struct {
	cfg    Config
	client *http.Client
}

func newOpenAICompatClient(cfg Config) openAICompatClient {
	// Long enough for a local Ollama to load a model on first use, short
	// enough that a stalled connection cannot wedge an extraction round.
	return openAICompatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

// NewOpenAICompat creates a generic OpenAI-compatible provider for any
// endpoint speaking the /v1/chat/completions dialect.
func NewOpenAICompat(cfg Config) Provider {
	return &openAICompatProvider{base: newOpenAICompatClient(cfg)}
}

type openAICompatProvider struct {
	base openAICompatClient
}

func (p *openAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

// --- shared implementation ---

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model          string            `json:"model"`
	Messages       []wireMessage     `json:"messages"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type completionEnvelope struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string      `json:"finish_reason"`
		Message      wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatClient) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	payload := chatPayload{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat == "json_object" {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}

	respBody, err := c.doPost(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var env completionEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("llm: decoding chat response: %w", err)
	}
	if len(env.Choices) == 0 {
		return nil, fmt.Errorf("llm: chat response carried no choices")
	}
	choice := env.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            env.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     env.Usage.PromptTokens,
		CompletionTokens: env.Usage.CompletionTokens,
		TotalTokens:      env.Usage.TotalTokens,
	}, nil
}

// retryAttempts bounds the total tries per request, including the first.
const retryAttempts = 5

// retryDelay is the wait before retry n (1-based): one second tripling per
// retry (1s, 3s, 9s, 27s). A server-sent Retry-After extends the wait when
// it asks for longer than the schedule would.
func retryDelay(retry int, retryAfter string) time.Duration {
	d := time.Second
	for i := 1; i < retry; i++ {
		d *= 3
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
		if asked := time.Duration(secs) * time.Second; asked > d {
			d = asked
		}
	}
	return d
}

// doPost sends payload to the endpoint, retrying transient failures on the
// retryDelay schedule until the attempt budget runs out.
func (c *openAICompatClient) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := c.cfg.BaseURL + path

	var lastErr error
	var retryAfter string
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			wait := retryDelay(attempt-1, retryAfter)
			slog.Warn("llm: transient failure, backing off",
				"endpoint", endpoint,
				"attempt", attempt,
				"wait", wait,
				"cause", lastErr,
			)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		respBody, retryable, ra, err := c.post(ctx, endpoint, body)
		if err == nil {
			return respBody, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return nil, err
		}
		lastErr, retryAfter = err, ra
	}
	return nil, fmt.Errorf("llm: giving up after %d attempts: %w", retryAttempts, lastErr)
}

// post performs one attempt. retryable classifies the failure; retryAfter
// carries the server's Retry-After header on a 429, empty otherwise.
func (c *openAICompatClient) post(ctx context.Context, endpoint string, body []byte) (data []byte, retryable bool, retryAfter string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network-level errors are worth retrying; cancellation is caught
		// by the caller.
		return nil, true, "", fmt.Errorf("llm: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, "", fmt.Errorf("llm: reading response from %s: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusOK {
		return data, false, "", nil
	}

	err = fmt.Errorf("llm: %s returned %d: %s", endpoint, resp.StatusCode, excerpt(data))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, true, resp.Header.Get("Retry-After"), err
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, true, "", err
	}
	return nil, false, "", err
}

// excerpt keeps provider error bodies readable in logs and wrapped errors.
func excerpt(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
