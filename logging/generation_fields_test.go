package logging

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerationField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("generation complete", GenerationField(GenerationSummary{
		Model:    "sdxl_base",
		Sampler:  "Euler a",
		Steps:    28,
		CFGScale: 6.5,
		Seed:     42,
		Width:    1024,
		Height:   1024,
		Images:   4,
	}))

	gen, ok := logs.All()[0].ContextMap()["generation"].(map[string]interface{})
	if !ok {
		t.Fatalf("generation field missing: %v", logs.All()[0].ContextMap())
	}
	if gen["model"] != "sdxl_base" || gen["steps"] != 28 || gen["seed"] != int64(42) {
		t.Errorf("unexpected generation object: %v", gen)
	}
	if _, present := gen["scheduler"]; present {
		t.Error("empty scheduler should be omitted")
	}
	if _, present := gen["loras"]; present {
		t.Error("zero loras should be omitted")
	}
}

func TestTimingFields(t *testing.T) {
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)

	fields := TimingFields(start, end)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[2].Key != "duration" || time.Duration(fields[2].Integer) != 1500*time.Millisecond {
		t.Errorf("duration field = %+v", fields[2])
	}
}
