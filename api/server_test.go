package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/imagegen/sd"
	"github.com/hiyori-akane/diffuse-pilot/metrics"
	"github.com/hiyori-akane/diffuse-pilot/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	modes    []db.Mode
	err      error
}

func (q *fakeQueue) EnqueueMode(id string, _ int, mode db.Mode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, id)
	q.modes = append(q.modes, mode)
	return nil
}

func (q *fakeQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type fakeCatalog struct {
	err error
}

func (c fakeCatalog) Models(context.Context) ([]sd.Model, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []sd.Model{{Title: "sdxl_base.safetensors [abc]", ModelName: "sdxl_base", Hash: "abc"}}, nil
}

func (c fakeCatalog) LoRAs(context.Context) ([]sd.LoRA, error) {
	return []sd.LoRA{{Name: "detail", Alias: "detail"}}, c.err
}

func (c fakeCatalog) Samplers(context.Context) ([]string, error) {
	return []string{"Euler a", "DPM++ 2M"}, c.err
}

func (c fakeCatalog) Schedulers(context.Context) ([]string, error) { return nil, c.err }

func (c fakeCatalog) Upscalers(context.Context) ([]string, error) {
	return []string{"R-ESRGAN 4x+"}, c.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

type harness struct {
	server *Server
	repo   *db.Repository
	queue  *fakeQueue
	store  *metrics.MetricsStore
}

func newHarness(t *testing.T, mutate func(*ServerConfig, *Deps)) *harness {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	logger := zaptest.NewLogger(t)
	repo := db.NewRepository(database)
	q := &fakeQueue{}
	store := metrics.NewMetricsStore(metrics.DefaultStoreConfig(), time.Now())

	config := DefaultServerConfig()
	config.RateLimit = 0
	deps := Deps{
		DB:       database,
		Store:    repo,
		Settings: settings.NewService(repo, logger),
		Catalog:  fakeCatalog{},
		Queue:    q,
		Tasks:    store,
		Metrics:  metrics.NewRegistry(),
	}
	if mutate != nil {
		mutate(&config, &deps)
	}

	s, err := NewServer(config, deps, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &harness{server: s, repo: repo, queue: q, store: store}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope in %s", w.Body.String())
	}
	code, _ := e["code"].(string)
	return code
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(DefaultServerConfig(), Deps{}, nil); err == nil {
		t.Fatal("expected error for empty deps")
	}
}

func TestRootAndHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / = %d", w.Code)
	}
	if body := decode(t, w); body["name"] != "Diffuse Pilot API" || body["version"] != Version {
		t.Errorf("unexpected root body %v", body)
	}

	w = h.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339: %v", err)
	}
}

func TestHealthReportsUnhealthyDatabase(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, d *Deps) { d.DB = failingPinger{} })

	w := h.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health = %d, want 503", w.Code)
	}
	if body := decode(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestSettingsLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	path := "/api/v1/settings?guild_id=g1&user_id=u1"

	if w := h.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET before PUT = %d, want 404", w.Code)
	} else if code := errorCode(t, w); code != "RECORD_NOT_FOUND" {
		t.Errorf("code = %q", code)
	}

	w := h.do(t, http.MethodPut, path, `{"default_model":"sdxl_base","default_sd_params":{"steps":30},"seed":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["default_model"] != "sdxl_base" || body["user_id"] != "u1" || body["seed"].(float64) != 42 {
		t.Errorf("unexpected PUT body %v", body)
	}

	w = h.do(t, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	params := decode(t, w)["default_sd_params"].(map[string]any)
	if params["steps"].(float64) != 30 {
		t.Errorf("steps = %v", params["steps"])
	}

	if w := h.do(t, http.MethodDelete, path, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if w := h.do(t, http.MethodDelete, path, ""); w.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", w.Code)
	}
}

func TestSettingsValidation(t *testing.T) {
	h := newHarness(t, nil)

	if w := h.do(t, http.MethodGet, "/api/v1/settings", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing guild_id = %d, want 400", w.Code)
	}

	w := h.do(t, http.MethodPut, "/api/v1/settings?guild_id=g1", `{"default_sd_params":{"steps":500}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("out of range PUT = %d, want 400", w.Code)
	}
	if code := errorCode(t, w); code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", code)
	}

	if w := h.do(t, http.MethodPut, "/api/v1/settings?guild_id=g1", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed PUT = %d, want 400", w.Code)
	}
}

func TestSDCatalogRoutes(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/api/v1/sd/models", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sdxl_base") {
		t.Errorf("models = %d %s", w.Code, w.Body.String())
	}
	w = h.do(t, http.MethodGet, "/api/v1/sd/samplers", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Euler a") {
		t.Errorf("samplers = %d %s", w.Code, w.Body.String())
	}
	w = h.do(t, http.MethodGet, "/api/v1/sd/schedulers", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"schedulers":[]`) {
		t.Errorf("schedulers = %d %s", w.Code, w.Body.String())
	}
}

func TestSDCatalogFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, d *Deps) { d.Catalog = fakeCatalog{err: errors.New("connection refused")} })

	w := h.do(t, http.MethodGet, "/api/v1/sd/models", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("models = %d, want 502", w.Code)
	}
	if code := errorCode(t, w); code != "SD_API_ERROR" {
		t.Errorf("code = %q", code)
	}
}

func TestCreateAndGetGeneration(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/v1/generations",
		`{"guild_id":"g1","user_id":"u1","instruction":"  a red fox in snow  ","mode":"gemini"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	id, _ := body["request_id"].(string)
	if id == "" || body["status"] != "PENDING" || body["mode"] != "gemini" {
		t.Fatalf("unexpected admission body %v", body)
	}
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0] != id || h.queue.modes[0] != db.ModeGemini {
		t.Errorf("queue = %v %v", h.queue.enqueued, h.queue.modes)
	}

	ctx := context.Background()
	if err := h.repo.UpdateStatus(ctx, id, db.StatusProcessing, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	meta := &db.Metadata{RequestID: id, Prompt: "a red fox in snow", Sampler: "Gemini", Seed: -1}
	if err := h.repo.CreateMetadata(ctx, meta); err != nil {
		t.Fatalf("CreateMetadata: %v", err)
	}
	if err := h.repo.CreateImage(ctx, &db.Image{RequestID: id, MetadataID: meta.ID, FilePath: "/tmp/x.png", FileSizeBytes: 10}); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	w = h.do(t, http.MethodGet, "/api/v1/generations/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d: %s", w.Code, w.Body.String())
	}
	got := decode(t, w)
	if got["instruction"] != "a red fox in snow" || got["status"] != "PROCESSING" {
		t.Errorf("unexpected generation %v", got)
	}
	if m, ok := got["metadata"].(map[string]any); !ok || m["sampler"] != "Gemini" {
		t.Errorf("metadata = %v", got["metadata"])
	}
	if imgs, ok := got["images"].([]any); !ok || len(imgs) != 1 {
		t.Errorf("images = %v", got["images"])
	}
}

func TestGetGenerationWithoutMetadata(t *testing.T) {
	h := newHarness(t, nil)
	req := &db.Request{GuildID: "g1", UserID: "u1", OriginalInstruction: "a lighthouse"}
	if err := h.repo.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	w := h.do(t, http.MethodGet, "/api/v1/generations/"+req.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	body := decode(t, w)
	if body["metadata"] != nil || body["mode"] != "sd" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGetUnknownGeneration(t *testing.T) {
	h := newHarness(t, nil)
	if w := h.do(t, http.MethodGet, "/api/v1/generations/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET unknown = %d, want 404", w.Code)
	}
}

func TestCreateGenerationRejectsInvalidPayloads(t *testing.T) {
	h := newHarness(t, func(c *ServerConfig, _ *Deps) { c.EnabledModes = []db.Mode{db.ModeSD} })

	tests := []struct {
		name string
		body string
	}{
		{"missing instruction", `{"guild_id":"g","user_id":"u"}`},
		{"blank instruction", `{"guild_id":"g","user_id":"u","instruction":"   "}`},
		{"unknown mode", `{"guild_id":"g","user_id":"u","instruction":"x","mode":"dalle"}`},
		{"disabled mode", `{"guild_id":"g","user_id":"u","instruction":"x","mode":"xai"}`},
		{"priority", `{"guild_id":"g","user_id":"u","instruction":"x","priority":1000}`},
		{"too long", `{"guild_id":"g","user_id":"u","instruction":"` + strings.Repeat("a", maxInstructionLen+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/generations", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("POST = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
	if len(h.queue.enqueued) != 0 {
		t.Errorf("invalid payloads were enqueued: %v", h.queue.enqueued)
	}
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		h.store.RecordTask(metrics.TaskRecord{
			RequestID: id, Mode: "sd", Status: metrics.TaskStatusSuccess,
			StartTime: now, EndTime: now.Add(time.Second), Duration: time.Second, Images: 1,
		})
	}

	w := h.do(t, http.MethodGet, "/api/v1/queue/stats?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	body := decode(t, w)
	if recent := body["recent"].([]any); len(recent) != 2 {
		t.Errorf("recent = %d entries, want 2", len(recent))
	}
	if body["in_flight"] != nil {
		t.Errorf("in_flight = %v", body["in_flight"])
	}

	if w := h.do(t, http.MethodGet, "/api/v1/queue/stats?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}
}

func TestLoRACatalog(t *testing.T) {
	h := newHarness(t, nil)
	err := h.repo.UpsertLoRA(context.Background(), &db.LoRAMetadata{
		Name: "detail", FilePath: "/models/lora/detail.safetensors", Tags: []string{"detail"},
	})
	if err != nil {
		t.Fatalf("UpsertLoRA: %v", err)
	}

	w := h.do(t, http.MethodGet, "/api/v1/loras", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"detail"`) {
		t.Errorf("loras = %d %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/", "")

	w := h.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "diffuse_pilot_http_requests_total") {
		t.Error("http request counter missing from /metrics")
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	h := newHarness(t, func(c *ServerConfig, _ *Deps) {
		c.RateLimit = 1
		c.RateBurst = 1
	})

	if w := h.do(t, http.MethodGet, "/", ""); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	w := h.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if code := errorCode(t, w); code != "RATE_LIMITED" {
		t.Errorf("code = %q", code)
	}
}
