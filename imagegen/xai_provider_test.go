package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

func newTestXAIProvider(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *XAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewXAIProvider(XAIProviderConfig{
		APIKey:  "xai-test",
		BaseURL: server.URL + "/v1",
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("NewXAIProvider: %v", err)
	}
	return p
}

func TestNewXAIProviderRequiresKey(t *testing.T) {
	if _, err := NewXAIProvider(XAIProviderConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestXAIProviderDefaults(t *testing.T) {
	p, err := NewXAIProvider(XAIProviderConfig{APIKey: "xai-test"})
	if err != nil {
		t.Fatalf("NewXAIProvider: %v", err)
	}
	if p.Name() != "xai" {
		t.Errorf("expected name xai, got %s", p.Name())
	}
	if p.Model() != "grok-2-image" {
		t.Errorf("expected default model grok-2-image, got %s", p.Model())
	}
}

func TestXAIProviderGenerateBase64(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	var gotBody map[string]any

	p := newTestXAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer xai-test" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(png), "revised_prompt": "a fox, detailed"},
			},
		})
	}, time.Second)

	out, err := p.Generate(context.Background(), "a red fox in snow")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotBody["prompt"] != "a red fox in snow" {
		t.Errorf("expected prompt to be sent verbatim, got %v", gotBody["prompt"])
	}
	if gotBody["model"] != "grok-2-image" {
		t.Errorf("expected model grok-2-image, got %v", gotBody["model"])
	}
	if gotBody["response_format"] != "b64_json" {
		t.Errorf("expected b64_json response format, got %v", gotBody["response_format"])
	}
	if len(out.Images) != 1 || string(out.Images[0]) != string(png) {
		t.Fatalf("expected decoded image, got %d images", len(out.Images))
	}
	if out.Description != "a fox, detailed" {
		t.Errorf("expected revised prompt as description, got %q", out.Description)
	}
}

func TestXAIProviderGenerateURLFallback(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": server.URL + "/files/1.jpg"}},
		})
	})
	mux.HandleFunc("/files/1.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})

	p, err := NewXAIProvider(XAIProviderConfig{APIKey: "xai-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewXAIProvider: %v", err)
	}

	out, err := p.Generate(context.Background(), "a lighthouse")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out.Images) != 1 || string(out.Images[0]) != "jpeg-bytes" {
		t.Errorf("expected downloaded image bytes, got %v", out.Images)
	}
}

func TestXAIProviderEmptyResult(t *testing.T) {
	p := newTestXAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}, time.Second)

	_, err := p.Generate(context.Background(), "anything")
	if !IsEmptyResult(err) {
		t.Fatalf("expected empty result error, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code() != core.CodeProviderEmptyImage {
		t.Errorf("expected code %s, got %v", core.CodeProviderEmptyImage, err)
	}
}

func TestXAIProviderUpstreamError(t *testing.T) {
	p := newTestXAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"content policy","type":"invalid_request_error"}}`))
	}, time.Second)

	_, err := p.Generate(context.Background(), "anything")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != KindUpstream {
		t.Errorf("expected upstream kind, got %s", pe.Kind)
	}
	if pe.Code() != core.CodeXAIAPI {
		t.Errorf("expected code %s, got %s", core.CodeXAIAPI, pe.Code())
	}
}

func TestXAIProviderTimeout(t *testing.T) {
	p := newTestXAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := p.Generate(context.Background(), "slow")
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestXAIProviderRejectsBlankInstruction(t *testing.T) {
	p, err := NewXAIProvider(XAIProviderConfig{APIKey: "xai-test"})
	if err != nil {
		t.Fatalf("NewXAIProvider: %v", err)
	}
	_, err = p.Generate(context.Background(), "   ")
	if !core.HasCode(err, core.CodeValidation) {
		t.Errorf("expected validation error for blank instruction, got %v", err)
	}
}
