package validation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

func validConfig(t *testing.T, sdURL, ollamaURL string) *core.Config {
	t.Helper()
	dir := t.TempDir()
	return &core.Config{
		DiscordBotToken:    "token",
		SDAPIURL:           sdURL,
		OllamaAPIURL:       ollamaURL,
		XAIAPIURL:          "https://api.x.ai/v1",
		DatabasePath:       filepath.Join(dir, "db", "database.db"),
		ImageStoragePath:   filepath.Join(dir, "images"),
		DefaultImageCount:  4,
		DefaultWidth:       512,
		DefaultHeight:      512,
		DefaultSteps:       20,
		DefaultCFGScale:    7,
		APIPort:            8000,
		NotifyPollInterval: time.Second,
	}
}

func statuses(result SuiteResult) map[string]StepStatus {
	out := make(map[string]StepStatus, len(result.Steps))
	for _, s := range result.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestSuite_AllChecksPass(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("DISCORD_BOT_TOKEN=token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := validConfig(t, upstream.URL, upstream.URL)
	cfg.GeminiAPIKey = "key"
	result := NewSuite(cfg).
		WithOutput(&buf).
		WithEnvPath(envPath).
		WithMinFreeSpace(0).
		Validate(context.Background())

	if !result.Success || result.FailedSteps != 0 || result.Warnings != 0 {
		t.Fatalf("result = %s\n%s", result.Summary(), buf.String())
	}
	if result.TotalSteps != 7 {
		t.Errorf("TotalSteps = %d, want 7", result.TotalSteps)
	}
	if !strings.Contains(buf.String(), "Validation Passed") || !strings.Contains(buf.String(), "Gemini") {
		t.Errorf("output = %s", buf.String())
	}
	if _, err := os.Stat(cfg.ImageStoragePath); err != nil {
		t.Errorf("image directory not created: %v", err)
	}
}

func TestSuite_UnreachableUpstreamIsWarning(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cfg := validConfig(t, closedURL, closedURL)
	result := NewSuite(cfg).
		WithShowProgress(false).
		WithEnvPath(filepath.Join(t.TempDir(), "missing.env")).
		WithTimeout(time.Second).
		WithMinFreeSpace(0).
		Validate(context.Background())

	if !result.Success {
		t.Fatalf("unreachable upstream failed the suite: %s", result.Summary())
	}
	got := statuses(result)
	if got["Stable Diffusion WebUI"] != StepWarning || got["Ollama"] != StepWarning || got["Environment File"] != StepWarning {
		t.Errorf("statuses = %v", got)
	}
	if result.Warnings != 3 {
		t.Errorf("Warnings = %d, want 3", result.Warnings)
	}
}

func TestSuite_InvalidConfigSkipsUpstreams(t *testing.T) {
	cfg := validConfig(t, "http://localhost:7860", "http://localhost:11434")
	cfg.DefaultSteps = 0

	result := NewSuite(cfg).WithShowProgress(false).WithMinFreeSpace(0).Validate(context.Background())
	if result.Success {
		t.Fatal("expected failure")
	}
	got := statuses(result)
	if got["Configuration"] != StepFailed || got["Stable Diffusion WebUI"] != StepSkipped || got["Ollama"] != StepSkipped {
		t.Errorf("statuses = %v", got)
	}
	if _, ok := core.IsConfigError(result.FirstError()); !ok {
		t.Errorf("FirstError() = %v, want a config error", result.FirstError())
	}
}

func TestSuite_FailFast(t *testing.T) {
	cfg := validConfig(t, "http://localhost:7860", "http://localhost:11434")
	cfg.DiscordBotToken = ""

	result := NewSuite(cfg).WithShowProgress(false).WithFailFast(true).Validate(context.Background())
	if len(result.Steps) != 2 {
		t.Errorf("ran %d steps, want to stop after Configuration", len(result.Steps))
	}
}

func TestSuite_LowDiskSpaceWarns(t *testing.T) {
	cfg := validConfig(t, "http://localhost:7860", "http://localhost:11434")
	s := NewSuite(cfg).WithMinFreeSpace(1 << 62)

	status, msg, err := s.checkImageStorage(context.Background())
	if status != StepWarning || err != nil || !strings.Contains(msg, "Low disk space") {
		t.Errorf("checkImageStorage() = %v, %q, %v", status, msg, err)
	}
}

func TestStepStatus_String(t *testing.T) {
	tests := []struct {
		status   StepStatus
		expected string
	}{
		{StepPending, "pending"},
		{StepRunning, "running"},
		{StepPassed, "passed"},
		{StepFailed, "failed"},
		{StepWarning, "warning"},
		{StepSkipped, "skipped"},
		{StepStatus(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("StepStatus(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestSuiteResult_Summary(t *testing.T) {
	r := SuiteResult{TotalSteps: 7, PassedSteps: 5, FailedSteps: 1, Warnings: 1, Duration: 1500 * time.Millisecond}
	got := r.Summary()
	for _, want := range []string{"Validation Failed", "5/7", "1 failed", "1 warnings", "1.5s"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary() = %q, missing %q", got, want)
		}
	}
}
