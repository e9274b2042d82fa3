package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

func testEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	table, err := pricing.NewTable(
		[]pricing.ChatEntry{
			{Key: "gpt-5-mini", InputCents: 500, OutputCents: 1000},
			{Key: "gemini-2.5-flash", InputCents: 30, OutputCents: 250},
			{Key: "claude-sonnet-4-0", InputCents: 300, OutputCents: 1500},
		},
		[]pricing.ImageEntry{{Key: "nano-banana", UnitCents: 4, Default: true}},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return pricing.NewEngine(table, "")
}

type recordedRequest struct {
	path string
	body map[string]any
	auth string
}

func newChatServer(t *testing.T, response map[string]any, record *recordedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record.path = r.URL.Path
		record.auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&record.body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}

func TestRunChat_OpenAIDefaults(t *testing.T) {
	var rec recordedRequest
	server := newChatServer(t, map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": "hi"}}},
		"usage":   map[string]any{"prompt_tokens": 1_000_000, "completion_tokens": 0},
	}, &rec)
	defer server.Close()

	client := NewClient(server.URL, "api-key")
	result, err := RunChat(context.Background(), client, testEngine(t), map[string]any{
		"prompt": "hello",
	})
	if err != nil {
		t.Fatalf("RunChat failed: %v", err)
	}

	if rec.path != "/vendors/openai/v1/chat/completions" {
		t.Errorf("Unexpected endpoint %q", rec.path)
	}
	if rec.auth != "Bearer api-key" {
		t.Errorf("Expected bearer auth, got %q", rec.auth)
	}
	if rec.body["model"] != "gpt-5-mini" {
		t.Errorf("Expected default model, got %v", rec.body["model"])
	}
	if _, ok := rec.body["messages"]; !ok {
		t.Errorf("Expected prompt to be wrapped in messages")
	}
	if result.Model != "gpt-5-mini" {
		t.Errorf("Unexpected result model %q", result.Model)
	}
	if result.Usage.PromptTokens != 1_000_000 {
		t.Errorf("Unexpected usage %+v", result.Usage)
	}
	if result.Cost != 500 {
		t.Errorf("Expected table-priced cost 500, got %d", result.Cost)
	}
}

func TestRunChat_GoogleEndpointSelection(t *testing.T) {
	var rec recordedRequest
	server := newChatServer(t, map[string]any{}, &rec)
	defer server.Close()
	client := NewClient(server.URL, "api-key")
	engine := testEngine(t)

	// Direct models ride the vendor-neutral endpoint.
	_, err := RunChat(context.Background(), client, engine, map[string]any{
		"vendor": "google",
		"prompt": "hello",
	})
	if err != nil {
		t.Fatalf("RunChat failed: %v", err)
	}
	if rec.path != "/v1/chat/completions" {
		t.Errorf("Expected direct endpoint for gemini-2.5-flash, got %q", rec.path)
	}

	// Everything else goes through the Google vendor path.
	_, err = RunChat(context.Background(), client, engine, map[string]any{
		"vendor": "google",
		"model":  "gemini-2.0-pro",
		"prompt": "hello",
	})
	if err != nil {
		t.Fatalf("RunChat failed: %v", err)
	}
	if rec.path != "/vendors/google/v1/chat/completions" {
		t.Errorf("Expected vendor endpoint, got %q", rec.path)
	}
}

func TestRunChat_AnthropicNormalization(t *testing.T) {
	var rec recordedRequest
	server := newChatServer(t, map[string]any{
		"usage": map[string]any{"input_tokens": 10, "output_tokens": 20},
	}, &rec)
	defer server.Close()
	client := NewClient(server.URL, "api-key")

	result, err := RunChat(context.Background(), client, testEngine(t), map[string]any{
		"vendor": "anthropic",
		"messages": []any{
			map[string]any{"role": "assistant", "content": "earlier answer"},
			map[string]any{"role": "user", "content": []any{"part one", map[string]any{"type": "text", "text": "part two"}}},
		},
	})
	if err != nil {
		t.Fatalf("RunChat failed: %v", err)
	}

	if rec.path != "/vendors/anthropic/v1/messages" {
		t.Errorf("Unexpected endpoint %q", rec.path)
	}
	if rec.body["model"] != "claude-sonnet-4-0" {
		t.Errorf("Expected default anthropic model, got %v", rec.body["model"])
	}
	if rec.body["max_output_tokens"] != float64(1024) {
		t.Errorf("Expected default max_output_tokens 1024, got %v", rec.body["max_output_tokens"])
	}

	messages, _ := rec.body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	second := messages[1].(map[string]any)
	parts := second["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("Expected 2 content parts, got %d", len(parts))
	}
	first := parts[0].(map[string]any)
	if first["type"] != "text" || first["text"] != "part one" {
		t.Errorf("Expected bare string to become a text part, got %v", first)
	}

	if result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 20 {
		t.Errorf("Unexpected usage %+v", result.Usage)
	}
}

func TestRunChat_RequiresInput(t *testing.T) {
	client := NewClient("http://unused.invalid", "api-key")
	if _, err := RunChat(context.Background(), client, testEngine(t), map[string]any{}); err == nil {
		t.Errorf("Expected error without messages or prompt")
	}
}

func TestRunChat_VendorCostFallback(t *testing.T) {
	var rec recordedRequest
	server := newChatServer(t, map[string]any{
		"cost": 0.02, // dollars, no usage tokens at all
	}, &rec)
	defer server.Close()
	client := NewClient(server.URL, "api-key")

	result, err := RunChat(context.Background(), client, testEngine(t), map[string]any{"prompt": "hello"})
	if err != nil {
		t.Fatalf("RunChat failed: %v", err)
	}
	if result.Cost != 2 {
		t.Errorf("Expected vendor cost fallback of 2 cents, got %d", result.Cost)
	}
}
