package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func compatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAICompatChat(t *testing.T) {
	srv := compatServer(t, "hello")
	defer srv.Close()

	p := NewOpenAICompat(Config{Provider: "custom", Model: "test-model", BaseURL: srv.URL})
	resp, err := p.Chat(context.Background(), ChatRequest{
		System:   "you are terse",
		Messages: []Message{{Role: "user", Content: "say hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.PromptTokens != 12 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStructuredClientExtractsFencedJSON(t *testing.T) {
	srv := compatServer(t, "Here you go:\n```json\n{\"dpi\": {\"value\": \"30000\"}}\n```")
	defer srv.Close()

	client := NewClient(NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL}))
	res, err := client.ChatStructured(context.Background(), StructuredRequest{
		Prompt: "extract",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("ChatStructured: %v", err)
	}
	var out map[string]map[string]string
	if err := json.Unmarshal(res.JSON, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if out["dpi"]["value"] != "30000" {
		t.Errorf("payload = %s", res.JSON)
	}
}

func TestStructuredClientRejectsNonJSON(t *testing.T) {
	srv := compatServer(t, "I could not find any specifications.")
	defer srv.Close()

	client := NewClient(NewOpenAICompat(Config{Provider: "custom", Model: "m", BaseURL: srv.URL}))
	_, err := client.ChatStructured(context.Background(), StructuredRequest{
		Prompt: "extract",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	if err == nil {
		t.Fatal("prose response must error")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prefix {\"a\":1} suffix", `{"a":1}`, false},
		{"no object here", "", true},
		{"{broken", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractJSON(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && string(got) != tt.want {
			t.Errorf("ExtractJSON(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		retry      int
		retryAfter string
		want       time.Duration
	}{
		{1, "", time.Second},
		{2, "", 3 * time.Second},
		{3, "", 9 * time.Second},
		{4, "", 27 * time.Second},
		{1, "10", 10 * time.Second},  // Retry-After extends a short wait
		{4, "10", 27 * time.Second},  // but never shortens the schedule
		{2, "junk", 3 * time.Second}, // unparseable header is ignored
	}
	for _, tt := range tests {
		if got := retryDelay(tt.retry, tt.retryAfter); got != tt.want {
			t.Errorf("retryDelay(%d, %q) = %v, want %v", tt.retry, tt.retryAfter, got, tt.want)
		}
	}
}

func TestNewProviderRouting(t *testing.T) {
	if _, err := NewProvider(Config{}); err == nil {
		t.Error("empty provider must error")
	}
	if _, err := NewProvider(Config{Provider: "nope"}); err == nil {
		t.Error("unknown provider must error")
	}
	if p, err := NewProvider(Config{Provider: "custom", BaseURL: "http://localhost:9"}); err != nil || p == nil {
		t.Errorf("custom provider: %v", err)
	}
}
