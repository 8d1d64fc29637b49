package discord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/imagegen"
)

// defaultUploadLimit is the attachment size limit of a non-boosted server.
const defaultUploadLimit = 8 << 20

// NotifyStore is the persistence read by the notifier. *db.Repository
// implements it.
type NotifyStore interface {
	GetRequest(ctx context.Context, id string) (*db.Request, error)
	GetMetadataForRequest(ctx context.Context, requestID string) (*db.Metadata, error)
	ListImages(ctx context.Context, requestID string) ([]db.Image, error)
	SetImageDiscordURL(ctx context.Context, imageID, url string) error
}

// Attachment is a file posted with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Poster sends messages to a channel or thread.
type Poster interface {
	Send(ctx context.Context, channelID, content string) error
	// SendFile posts content with a file and returns the attachment URL.
	SendFile(ctx context.Context, channelID, content string, file Attachment) (string, error)
}

// Outcome is how a Watch ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeMissing   Outcome = "missing"
	OutcomeCancelled Outcome = "cancelled"
)

// NotifierConfig configures polling.
type NotifierConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	UploadLimit  int // Bytes; larger images are downscaled
}

// DefaultNotifierConfig polls every 10s for at most 30 minutes.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		PollInterval: 10 * time.Second,
		MaxWait:      30 * time.Minute,
		UploadLimit:  defaultUploadLimit,
	}
}

// Notifier watches a request in the database and posts its outcome to a
// Discord thread. It only reads persisted state; it never talks to the
// queue.
type Notifier struct {
	store    NotifyStore
	poster   Poster
	config   NotifierConfig
	logger   *zap.Logger
	readFile func(string) ([]byte, error)
}

// NewNotifier creates a Notifier. Zero config fields take their defaults.
func NewNotifier(store NotifyStore, poster Poster, config NotifierConfig, logger *zap.Logger) *Notifier {
	def := DefaultNotifierConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.UploadLimit <= 0 {
		config.UploadLimit = def.UploadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		store:    store,
		poster:   poster,
		config:   config,
		logger:   logger.Named("notifier"),
		readFile: os.ReadFile,
	}
}

// Watch polls requestID until it is terminal, the wait bound passes or ctx
// ends, and posts the result to channelID. Cancellation posts nothing.
func (n *Notifier) Watch(ctx context.Context, requestID, channelID string) Outcome {
	logger := n.logger.With(zap.String("request_id", requestID), zap.String("channel_id", channelID))

	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(n.config.MaxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Stopped watching request")
			return OutcomeCancelled
		case <-deadline.C:
			logger.Warn("Request still running after notify bound", zap.Duration("max_wait", n.config.MaxWait))
			n.send(ctx, logger, channelID, "⚠️ タイムアウト: 生成に時間がかかっています...")
			return OutcomeTimedOut
		case <-ticker.C:
		}

		req, err := n.store.GetRequest(ctx, requestID)
		if errors.Is(err, db.ErrNotFound) {
			logger.Error("Watched request not found")
			n.send(ctx, logger, channelID, "❌ エラー: リクエストが見つかりません")
			return OutcomeMissing
		}
		if err != nil {
			logger.Warn("Failed to poll request status", zap.Error(err))
			continue
		}

		switch req.Status {
		case db.StatusCompleted:
			n.postResults(ctx, logger, req, channelID)
			return OutcomeCompleted
		case db.StatusFailed:
			msg := "不明なエラー"
			if req.ErrorMessage != nil && *req.ErrorMessage != "" {
				msg = *req.ErrorMessage
			}
			logger.Info("Request failed", zap.String("error_message", msg))
			n.send(ctx, logger, channelID, clip("❌ 画像生成に失敗しました\nエラー: "+msg, MessageLimit))
			return OutcomeFailed
		}
	}
}

func (n *Notifier) postResults(ctx context.Context, logger *zap.Logger, req *db.Request, channelID string) {
	images, err := n.store.ListImages(ctx, req.ID)
	if err != nil {
		logger.Error("Failed to list images", zap.Error(err))
		n.send(ctx, logger, channelID, "❌ エラー: 画像の取得に失敗しました")
		return
	}
	if len(images) == 0 {
		n.send(ctx, logger, channelID, "❌ エラー: 画像が生成されませんでした")
		return
	}

	meta, err := n.store.GetMetadataForRequest(ctx, req.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}
	n.send(ctx, logger, channelID, FormatResult(meta, len(images)))

	posted := 0
	for i, img := range images {
		file, err := n.attachment(img)
		if err != nil {
			logger.Error("Failed to prepare image", zap.String("path", img.FilePath), zap.Error(err))
			continue
		}
		caption := fmt.Sprintf("画像 %d/%d", i+1, len(images))
		url, err := n.poster.SendFile(ctx, channelID, caption, file)
		if err != nil {
			logger.Error("Failed to upload image", zap.String("image_id", img.ID), zap.Error(err))
			continue
		}
		posted++
		if url == "" {
			continue
		}
		if err := n.store.SetImageDiscordURL(ctx, img.ID, url); err != nil {
			logger.Warn("Failed to store Discord URL", zap.String("image_id", img.ID), zap.Error(err))
		}
	}

	logger.Info("Posted generation results", zap.Int("images", posted), zap.Int("total", len(images)))
	n.send(ctx, logger, channelID, "✨ 生成完了！追加の指示があればこのスレッドに返信してください。")
}

func (n *Notifier) attachment(img db.Image) (Attachment, error) {
	data, err := n.readFile(img.FilePath)
	if err != nil {
		return Attachment{}, err
	}
	fitted, ext, err := imagegen.FitForUpload(data, n.config.UploadLimit)
	if err != nil {
		return Attachment{}, err
	}
	base := strings.TrimSuffix(filepath.Base(img.FilePath), filepath.Ext(img.FilePath))
	contentType := "image/png"
	if ext == ".jpg" {
		contentType = "image/jpeg"
	}
	return Attachment{Name: base + ext, ContentType: contentType, Data: fitted}, nil
}

func (n *Notifier) send(ctx context.Context, logger *zap.Logger, channelID, content string) {
	if err := n.poster.Send(ctx, channelID, content); err != nil {
		logger.Error("Failed to post message", zap.Error(err))
	}
}
