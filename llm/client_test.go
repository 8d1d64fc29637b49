package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
)

func chatServer(t *testing.T, content string, inspect func(body map[string]any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if inspect != nil {
			inspect(body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClientComplete(t *testing.T) {
	server := chatServer(t, "  hello  ", func(body map[string]any) {
		if body["model"] != "qwen3" {
			t.Errorf("expected model qwen3, got %v", body["model"])
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		rf, ok := body["response_format"].(map[string]any)
		if !ok || rf["type"] != "json_schema" {
			t.Errorf("expected json_schema response format, got %v", body["response_format"])
		}
	})

	c, err := NewClient(ClientConfig{APIKey: "ollama", BaseURL: server.URL + "/v1", Model: "qwen3"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	schema := &jsonschema.Definition{Type: jsonschema.Object}
	got, err := c.Complete(context.Background(), "sys", "user", 0.7, schema)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected trimmed reply, got %q", got)
	}
}

func TestClientCompleteEmpty(t *testing.T) {
	server := chatServer(t, "   ", nil)
	c, err := NewClient(ClientConfig{BaseURL: server.URL + "/v1", Model: "qwen3"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Complete(context.Background(), "sys", "user", 0.7, nil); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{Model: "m"}); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://localhost:11434/v1"}); err == nil {
		t.Error("expected error without model")
	}
}
