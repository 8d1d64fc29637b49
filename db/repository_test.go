package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	database, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewRepository(database)
}

func createTestRequest(t *testing.T, repo *Repository, thread string) *Request {
	t.Helper()

	req := &Request{
		GuildID:             "guild-1",
		UserID:              "user-1",
		ThreadID:            thread,
		OriginalInstruction: "a cat on a sofa",
	}
	if err := repo.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return req
}

func TestCreateAndGetRequest(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	req := &Request{
		GuildID:             "guild-1",
		UserID:              "user-1",
		ThreadID:            "thread-1",
		OriginalInstruction: "猫を描いて",
		WebResearch:         true,
		Mode:                ModeGemini,
	}
	if err := repo.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if req.ID == "" {
		t.Fatal("CreateRequest() did not assign an ID")
	}

	got, err := repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if got.Mode != ModeGemini {
		t.Errorf("Mode = %s, want gemini", got.Mode)
	}
	if !got.WebResearch {
		t.Error("WebResearch = false, want true")
	}
	if got.OriginalInstruction != "猫を描いて" {
		t.Errorf("OriginalInstruction = %q", got.OriginalInstruction)
	}
	if got.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q, want nil", *got.ErrorMessage)
	}
}

func TestCreateRequestRejectsUnknownMode(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.CreateRequest(context.Background(), &Request{GuildID: "g", UserID: "u", ThreadID: "t", Mode: "dalle"})
	if err == nil {
		t.Fatal("CreateRequest() with unknown mode should fail")
	}
}

func TestGetRequestNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetRequest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	req := createTestRequest(t, repo, "thread-1")

	if err := repo.UpdateStatus(ctx, req.ID, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING -> COMPLETED error = %v, want ErrInvalidTransition", err)
	}
	if err := repo.UpdateStatus(ctx, req.ID, StatusProcessing, ""); err != nil {
		t.Fatalf("PENDING -> PROCESSING error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, req.ID, StatusCompleted, "ignored"); err != nil {
		t.Fatalf("PROCESSING -> COMPLETED error = %v", err)
	}

	got, _ := repo.GetRequest(ctx, req.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q, want nil for COMPLETED", *got.ErrorMessage)
	}

	if err := repo.UpdateStatus(ctx, req.ID, StatusFailed, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("COMPLETED -> FAILED error = %v, want ErrInvalidTransition", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", StatusProcessing, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFailedRequestsAlwaysCarryAnErrorMessage(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	withMsg := createTestRequest(t, repo, "thread-1")
	if err := repo.UpdateStatus(ctx, withMsg.ID, StatusFailed, "SD API timeout"); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	got, _ := repo.GetRequest(ctx, withMsg.ID)
	if got.ErrorMessage == nil || *got.ErrorMessage != "SD API timeout" {
		t.Errorf("ErrorMessage = %v, want %q", got.ErrorMessage, "SD API timeout")
	}

	noMsg := createTestRequest(t, repo, "thread-2")
	if err := repo.UpdateStatus(ctx, noMsg.ID, StatusFailed, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	got, _ = repo.GetRequest(ctx, noMsg.ID)
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("FAILED request stored without an error message")
	}

	// The schema rejects the combination even for raw writes.
	_, err := repo.Database().ExecContext(ctx,
		`UPDATE generation_requests SET error_message = NULL WHERE id = ?`, noMsg.ID)
	if err == nil {
		t.Error("schema accepted FAILED with NULL error_message")
	}

	pending := createTestRequest(t, repo, "thread-3")
	_, err = repo.Database().ExecContext(ctx,
		`UPDATE generation_requests SET error_message = 'x' WHERE id = ?`, pending.ID)
	if err == nil {
		t.Error("schema accepted an error_message on a PENDING request")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := createTestRequest(t, repo, "thread-1")
	second := createTestRequest(t, repo, "thread-2")
	done := createTestRequest(t, repo, "thread-3")

	for _, id := range []string{first.ID, second.ID, done.ID} {
		if err := repo.UpdateStatus(ctx, id, StatusProcessing, ""); err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
	}
	if err := repo.UpdateStatus(ctx, done.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	recovered, err := repo.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("recovered %d requests, want 2", len(recovered))
	}
	if recovered[0].ID != first.ID || recovered[1].ID != second.ID {
		t.Errorf("recovered order = [%s %s], want oldest first", recovered[0].ID, recovered[1].ID)
	}

	for _, id := range []string{first.ID, second.ID} {
		got, _ := repo.GetRequest(ctx, id)
		if got.Status != StatusPending {
			t.Errorf("request %s status = %s, want PENDING", id, got.Status)
		}
	}
	got, _ := repo.GetRequest(ctx, done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("completed request status = %s, want COMPLETED", got.Status)
	}

	again, err := repo.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("second RecoverInterrupted() error = %v", err)
	}
	if len(again) != 2 {
		t.Errorf("second recovery returned %d, want the same 2 pending requests", len(again))
	}
}

func TestCountByStatusAndList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	a := createTestRequest(t, repo, "t1")
	createTestRequest(t, repo, "t2")
	if err := repo.UpdateStatus(ctx, a.ID, StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v, want 1 PENDING and 1 FAILED", counts)
	}

	failed, err := repo.ListRequests(ctx, StatusFailed, 10)
	if err != nil {
		t.Fatalf("ListRequests() error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != a.ID {
		t.Errorf("ListRequests(FAILED) = %+v", failed)
	}
}

func TestMetadataAndImages(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	req := createTestRequest(t, repo, "thread-1")

	meta := &Metadata{
		RequestID:      req.ID,
		Prompt:         "1cat, sofa, masterpiece",
		NegativePrompt: "lowres",
		ModelName:      "sdxl.safetensors",
		LoRAs:          []LoRA{{Name: "detail", Weight: 0.6}},
		Steps:          28,
		CFGScale:       6.5,
		Sampler:        "Euler a",
		Seed:           1234,
		Width:          832,
		Height:         1216,
		RawParams:      map[string]any{"batch_size": 2},
	}
	if err := repo.CreateMetadata(ctx, meta); err != nil {
		t.Fatalf("CreateMetadata() error = %v", err)
	}

	got, err := repo.GetMetadataForRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetMetadataForRequest() error = %v", err)
	}
	if got.ID != meta.ID || got.Prompt != meta.Prompt || got.Seed != 1234 {
		t.Errorf("metadata = %+v", got)
	}
	if got.Scheduler != "" {
		t.Errorf("Scheduler = %q, want empty", got.Scheduler)
	}
	if len(got.LoRAs) != 1 || got.LoRAs[0].Name != "detail" || got.LoRAs[0].Weight != 0.6 {
		t.Errorf("LoRAs = %+v", got.LoRAs)
	}
	if got.RawParams["batch_size"] != float64(2) {
		t.Errorf("RawParams[batch_size] = %v", got.RawParams["batch_size"])
	}

	img := &Image{RequestID: req.ID, MetadataID: meta.ID, FilePath: "/tmp/a.png", FileSizeBytes: 42}
	if err := repo.CreateImage(ctx, img); err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	if err := repo.SetImageDiscordURL(ctx, img.ID, "https://cdn.example/a.png"); err != nil {
		t.Fatalf("SetImageDiscordURL() error = %v", err)
	}

	images, err := repo.ListImages(ctx, req.ID)
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if len(images) != 1 || images[0].DiscordURL != "https://cdn.example/a.png" || images[0].FileSizeBytes != 42 {
		t.Errorf("images = %+v", images)
	}

	if err := repo.CreateImage(ctx, &Image{RequestID: req.ID, MetadataID: meta.ID, FilePath: "/tmp/a.png"}); err == nil {
		t.Error("CreateImage() with duplicate file path should fail")
	}
}
