package discord

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hiyori-akane/diffuse-pilot/db"
)

type sentMessage struct {
	channel string
	content string
	file    *Attachment
}

type fakePoster struct {
	mu       sync.Mutex
	messages []sentMessage
	fileErr  error
}

func (p *fakePoster) Send(_ context.Context, channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, sentMessage{channel: channelID, content: content})
	return nil
}

func (p *fakePoster) SendFile(_ context.Context, channelID, content string, file Attachment) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fileErr != nil {
		return "", p.fileErr
	}
	p.messages = append(p.messages, sentMessage{channel: channelID, content: content, file: &file})
	return "https://cdn.example/" + file.Name, nil
}

func (p *fakePoster) contents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.content
	}
	return out
}

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "discord.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db.NewRepository(database)
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func fastConfig() NotifierConfig {
	return NotifierConfig{PollInterval: 5 * time.Millisecond, MaxWait: 2 * time.Second}
}

func createRequest(t *testing.T, repo *db.Repository) *db.Request {
	t.Helper()
	req := &db.Request{GuildID: "g1", UserID: "u1", ThreadID: "t1", OriginalInstruction: "a red fox in snow"}
	if err := repo.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func TestWatchPostsCompletedResults(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	req := createRequest(t, repo)

	meta := &db.Metadata{RequestID: req.ID, Prompt: "a red fox in snow", ModelName: "default", Steps: 20, CFGScale: 7, Sampler: "Euler a", Seed: 1, Width: 512, Height: 512}
	if err := repo.CreateMetadata(ctx, meta); err != nil {
		t.Fatalf("CreateMetadata: %v", err)
	}
	dir := t.TempDir()
	for _, name := range []string{"one.png", "two.png"} {
		img := &db.Image{RequestID: req.ID, MetadataID: meta.ID, FilePath: writePNG(t, dir, name)}
		if err := repo.CreateImage(ctx, img); err != nil {
			t.Fatalf("CreateImage: %v", err)
		}
	}
	// A row whose file is gone is skipped.
	if err := repo.CreateImage(ctx, &db.Image{RequestID: req.ID, MetadataID: meta.ID, FilePath: filepath.Join(dir, "gone.png")}); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if err := repo.UpdateStatus(ctx, req.ID, db.StatusProcessing, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := repo.UpdateStatus(ctx, req.ID, db.StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	poster := &fakePoster{}
	n := NewNotifier(repo, poster, fastConfig(), zaptest.NewLogger(t))
	if got := n.Watch(ctx, req.ID, "t1"); got != OutcomeCompleted {
		t.Fatalf("Watch = %s", got)
	}

	msgs := poster.contents()
	if len(msgs) != 4 {
		t.Fatalf("messages = %q", msgs)
	}
	if !strings.Contains(msgs[0], "(3枚)") || !strings.Contains(msgs[0], "• モデル: default") {
		t.Errorf("summary = %q", msgs[0])
	}
	if msgs[1] != "画像 1/3" || msgs[2] != "画像 2/3" {
		t.Errorf("captions = %q", msgs[1:3])
	}
	if !strings.Contains(msgs[3], "生成完了") {
		t.Errorf("closing message = %q", msgs[3])
	}
	if f := poster.messages[1].file; f == nil || f.Name != "one.png" || f.ContentType != "image/png" {
		t.Errorf("attachment = %+v", f)
	}

	images, err := repo.ListImages(ctx, req.ID)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if images[0].DiscordURL != "https://cdn.example/one.png" || images[2].DiscordURL != "" {
		t.Errorf("discord urls = %q, %q", images[0].DiscordURL, images[2].DiscordURL)
	}
}

func TestWatchPostsFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	req := createRequest(t, repo)
	if err := repo.UpdateStatus(ctx, req.ID, db.StatusFailed, "SD_API_TIMEOUT: SD API request timed out"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	poster := &fakePoster{}
	n := NewNotifier(repo, poster, fastConfig(), zaptest.NewLogger(t))
	if got := n.Watch(ctx, req.ID, "t1"); got != OutcomeFailed {
		t.Fatalf("Watch = %s", got)
	}
	msgs := poster.contents()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "SD_API_TIMEOUT: SD API request timed out") {
		t.Errorf("messages = %q", msgs)
	}
}

func TestWatchReportsTimeout(t *testing.T) {
	repo := newTestRepo(t)
	req := createRequest(t, repo)

	poster := &fakePoster{}
	n := NewNotifier(repo, poster, NotifierConfig{PollInterval: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}, zaptest.NewLogger(t))
	if got := n.Watch(context.Background(), req.ID, "t1"); got != OutcomeTimedOut {
		t.Fatalf("Watch = %s", got)
	}
	msgs := poster.contents()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "タイムアウト") {
		t.Errorf("messages = %q", msgs)
	}

	got, err := repo.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != db.StatusPending {
		t.Errorf("notifier must not change request status, got %s", got.Status)
	}
}

func TestWatchMissingRequest(t *testing.T) {
	poster := &fakePoster{}
	n := NewNotifier(newTestRepo(t), poster, fastConfig(), zaptest.NewLogger(t))
	if got := n.Watch(context.Background(), "nope", "t1"); got != OutcomeMissing {
		t.Fatalf("Watch = %s", got)
	}
}

func TestWatchCancelledPostsNothing(t *testing.T) {
	repo := newTestRepo(t)
	req := createRequest(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	poster := &fakePoster{}
	n := NewNotifier(repo, poster, NotifierConfig{PollInterval: time.Hour, MaxWait: time.Hour}, zaptest.NewLogger(t))
	if got := n.Watch(ctx, req.ID, "t1"); got != OutcomeCancelled {
		t.Fatalf("Watch = %s", got)
	}
	if msgs := poster.contents(); len(msgs) != 0 {
		t.Errorf("messages = %q", msgs)
	}
}

func TestWatchContinuesWhenUploadFails(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	req := createRequest(t, repo)
	meta := &db.Metadata{RequestID: req.ID, Prompt: "p"}
	if err := repo.CreateMetadata(ctx, meta); err != nil {
		t.Fatalf("CreateMetadata: %v", err)
	}
	if err := repo.CreateImage(ctx, &db.Image{RequestID: req.ID, MetadataID: meta.ID, FilePath: writePNG(t, t.TempDir(), "a.png")}); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	_ = repo.UpdateStatus(ctx, req.ID, db.StatusProcessing, "")
	_ = repo.UpdateStatus(ctx, req.ID, db.StatusCompleted, "")

	poster := &fakePoster{fileErr: errors.New("413 payload too large")}
	n := NewNotifier(repo, poster, fastConfig(), zaptest.NewLogger(t))
	if got := n.Watch(ctx, req.ID, "t1"); got != OutcomeCompleted {
		t.Fatalf("Watch = %s", got)
	}
	msgs := poster.contents()
	if len(msgs) != 2 || !strings.Contains(msgs[1], "生成完了") {
		t.Errorf("messages = %q", msgs)
	}
}
