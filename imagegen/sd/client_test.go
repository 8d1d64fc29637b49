package sd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler, timeout time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Timeout: timeout}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func fakeWebUI(t *testing.T, captured *map[string]any) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sdapi/v1/samplers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"name": "Euler a"}, {"name": "DPM++ 2M"}})
	})
	mux.HandleFunc("/sdapi/v1/schedulers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"name": "karras", "label": "Karras"}})
	})
	mux.HandleFunc("/sdapi/v1/upscalers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"name": "R-ESRGAN 4x+"}, {"name": "Latent"}})
	})
	mux.HandleFunc("/sdapi/v1/sd-models", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"title": "animagine.safetensors [abc]", "model_name": "animagine"},
			{"title": "legacy.ckpt"},
		})
	})
	mux.HandleFunc("/sdapi/v1/loras", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"name": "detail", "alias": "detail-tweaker"}})
	})
	mux.HandleFunc("/sdapi/v1/txt2img", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("txt2img method = %s, want POST", r.Method)
		}
		if captured != nil {
			json.NewDecoder(r.Body).Decode(captured)
		}
		img := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
		json.NewEncoder(w).Encode(map[string]any{
			"images":     []string{img, img},
			"parameters": map[string]any{"seed": 1234},
		})
	})
	return mux
}

func TestTxt2ImgDecodesImages(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, fakeWebUI(t, &body), 5*time.Second)

	req := DefaultRequest()
	req.Prompt = "a red fox in snow"
	req.SamplerName = "DPM++ 2M"
	req.Scheduler = "karras"
	req.BatchSize = 2
	scale := 1.5
	req.EnableHR = true
	req.HRScale = &scale

	result, err := client.Txt2Img(context.Background(), req)
	if err != nil {
		t.Fatalf("Txt2Img() error = %v", err)
	}
	if len(result.Images) != 2 || string(result.Images[0]) != "png-bytes" {
		t.Errorf("Images = %q", result.Images)
	}
	if result.Seed != 1234 {
		t.Errorf("Seed = %d, want 1234", result.Seed)
	}

	if body["sampler_name"] != "DPM++ 2M" || body["scheduler"] != "karras" {
		t.Errorf("sampler/scheduler sent = %v/%v", body["sampler_name"], body["scheduler"])
	}
	if body["enable_hr"] != true || body["hr_scale"] != 1.5 {
		t.Errorf("hires fields sent = %v/%v", body["enable_hr"], body["hr_scale"])
	}
	if _, ok := body["refiner_checkpoint"]; ok {
		t.Error("unset refiner_checkpoint should be omitted")
	}
}

func TestTxt2ImgDropsUnknownSamplerAndScheduler(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, fakeWebUI(t, &body), 5*time.Second)

	req := DefaultRequest()
	req.Prompt = "cat"
	req.SamplerName = "Imaginary Sampler"
	req.Scheduler = "Nope"

	if _, err := client.Txt2Img(context.Background(), req); err != nil {
		t.Fatalf("Txt2Img() error = %v", err)
	}
	if _, ok := body["sampler_name"]; ok {
		t.Errorf("unknown sampler was sent: %v", body["sampler_name"])
	}
	if _, ok := body["scheduler"]; ok {
		t.Errorf("unknown scheduler was sent: %v", body["scheduler"])
	}
}

func TestTxt2ImgErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}), 5*time.Second)

		req := DefaultRequest()
		req.Prompt = "cat"
		_, err := client.Txt2Img(context.Background(), req)
		apiErr, ok := err.(*APIError)
		if !ok {
			t.Fatalf("error = %T %v, want *APIError", err, err)
		}
		if apiErr.Code != ErrCodeHTTPStatus || apiErr.StatusCode != 500 {
			t.Errorf("error = %+v", apiErr)
		}
	})

	t.Run("empty result", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"images": []}`))
		}), 5*time.Second)

		req := DefaultRequest()
		req.Prompt = "cat"
		if _, err := client.Txt2Img(context.Background(), req); !IsEmptyResult(err) {
			t.Errorf("error = %v, want empty result", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}), 50*time.Millisecond)
		defer close(release)

		req := DefaultRequest()
		req.Prompt = "cat"
		_, err := client.Txt2Img(context.Background(), req)
		if !IsTimeout(err) {
			t.Errorf("error = %v, want timeout", err)
		}
	})

	t.Run("invalid request", func(t *testing.T) {
		client := newTestClient(t, http.NotFoundHandler(), time.Second)
		req := DefaultRequest()
		if _, err := client.Txt2Img(context.Background(), req); err == nil {
			t.Error("Txt2Img() without prompt should fail")
		}
	})
}

func TestOptionListings(t *testing.T) {
	client := newTestClient(t, fakeWebUI(t, nil), 5*time.Second)
	ctx := context.Background()

	models, err := client.Models(ctx)
	if err != nil {
		t.Fatalf("Models() error = %v", err)
	}
	if len(models) != 2 || models[0].DisplayName() != "animagine" || models[1].DisplayName() != "legacy.ckpt" {
		t.Errorf("Models() = %+v", models)
	}

	loras, err := client.LoRAs(ctx)
	if err != nil || len(loras) != 1 || loras[0].Alias != "detail-tweaker" {
		t.Errorf("LoRAs() = %+v, %v", loras, err)
	}

	samplers, err := client.Samplers(ctx)
	if err != nil || len(samplers) != 2 {
		t.Errorf("Samplers() = %v, %v", samplers, err)
	}

	schedulers, err := client.Schedulers(ctx)
	if err != nil || len(schedulers) != 1 || schedulers[0] != "karras" {
		t.Errorf("Schedulers() = %v, %v", schedulers, err)
	}

	upscalers, err := client.Upscalers(ctx)
	if err != nil || len(upscalers) != 2 {
		t.Errorf("Upscalers() = %v, %v", upscalers, err)
	}
}
