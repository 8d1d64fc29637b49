// Package discord is the chat front end: slash commands that admit
// generation requests into threads, follow-up messages inside those threads,
// and a notifier that posts results once the worker finishes.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/imagegen/sd"
)

const (
	threadArchiveMinutes = 1440
	threadNameLength     = 50
	commandTimeout       = 30 * time.Second
)

// Store is the persistence the bot writes to. *db.Repository implements it.
type Store interface {
	NotifyStore
	CreateRequest(ctx context.Context, req *db.Request) error
	GetThreadContext(ctx context.Context, threadID string) (*db.ThreadContext, error)
}

// Queue admits requests. *queue.Manager implements it.
type Queue interface {
	EnqueueMode(requestID string, priority int, mode db.Mode) error
}

// SettingsService reads and deletes settings rows. *settings.Service
// implements it.
type SettingsService interface {
	Get(ctx context.Context, guildID, userID string) (*db.Settings, error)
	Delete(ctx context.Context, guildID, userID string) error
}

// Catalog lists SD server options. *sd.Client implements it.
type Catalog interface {
	Models(ctx context.Context) ([]sd.Model, error)
	LoRAs(ctx context.Context) ([]sd.LoRA, error)
	Samplers(ctx context.Context) ([]string, error)
	Schedulers(ctx context.Context) ([]string, error)
	Upscalers(ctx context.Context) ([]string, error)
}

// Launcher runs background work that shutdown waits for.
// *shutdown.Manager implements it.
type Launcher interface {
	Go(name string, fn func(ctx context.Context)) error
}

// session is the subset of *discordgo.Session the handlers use.
type session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponse(interaction *discordgo.Interaction, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	HeartbeatLatency() time.Duration
}

// BotConfig configures the bot.
type BotConfig struct {
	Token         string
	GuildID       string // Register commands in this guild only; empty registers globally
	GeminiEnabled bool
	XAIEnabled    bool
	Notifier      NotifierConfig
}

// BotDeps are the collaborators of a Bot. Catalog may be nil, which
// disables /sd.
type BotDeps struct {
	Store    Store
	Queue    Queue
	Settings SettingsService
	Catalog  Catalog
	Launcher Launcher
}

// Bot is the Discord front end.
type Bot struct {
	config   BotConfig
	deps     BotDeps
	session  *discordgo.Session
	api      session
	notifier *Notifier
	logger   *zap.Logger
}

// NewBot creates a bot. Call Open to connect.
func NewBot(config BotConfig, deps BotDeps, logger *zap.Logger) (*Bot, error) {
	switch {
	case config.Token == "":
		return nil, core.ErrMissingAuth("discord")
	case deps.Store == nil || deps.Queue == nil || deps.Settings == nil || deps.Launcher == nil:
		return nil, fmt.Errorf("discord: store, queue, settings and launcher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: failed to create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent

	b := newBot(config, deps, s, logger)
	b.session = s
	s.AddHandler(b.onReady)
	s.AddHandler(b.onInteraction)
	s.AddHandler(b.onMessage)
	return b, nil
}

func newBot(config BotConfig, deps BotDeps, api session, logger *zap.Logger) *Bot {
	logger = logger.Named("discord")
	b := &Bot{config: config, deps: deps, api: api, logger: logger}
	b.notifier = NewNotifier(deps.Store, sessionPoster{api}, config.Notifier, logger)
	return b
}

// Open connects to the gateway and registers the slash commands.
func (b *Bot) Open() error {
	if err := b.session.Open(); err != nil {
		return core.NewAppError(core.CodeDiscordAPI, "failed to open gateway connection", err)
	}
	commands := Commands(b.config.GeminiEnabled, b.config.XAIEnabled)
	registered, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.config.GuildID, commands)
	if err != nil {
		_ = b.session.Close()
		return core.NewAppError(core.CodeDiscordAPI, "failed to register commands", err)
	}
	b.logger.Info("Commands registered",
		zap.Int("count", len(registered)),
		zap.String("guild_id", b.config.GuildID))
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	b.logger.Info("Closing Discord session")
	return b.session.Close()
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Logged in",
		zap.String("user", r.User.String()),
		zap.Int("guilds", len(r.Guilds)))
}

func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (b *Bot) onInteraction(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	i := ic.Interaction
	data := i.ApplicationCommandData()
	logger := b.logger.With(
		zap.String("command", data.Name),
		zap.String("guild_id", i.GuildID),
		zap.String("user_id", interactionUser(i)))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Command handler panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	opts := optionMap(data.Options)
	switch data.Name {
	case cmdGenerate:
		research := false
		if o, ok := opts["web_research"]; ok {
			research = o.BoolValue()
		}
		b.handleGenerate(ctx, logger, i, db.ModeSD, opts, research)
	case cmdGenerateGemini:
		b.handleGenerate(ctx, logger, i, db.ModeGemini, opts, false)
	case cmdGenerateXAI:
		b.handleGenerate(ctx, logger, i, db.ModeXAI, opts, false)
	case cmdSettings:
		b.handleSettings(ctx, logger, i, data.Options)
	case cmdSD:
		b.handleSD(ctx, logger, i, data.Options)
	case cmdPing:
		ms := b.api.HeartbeatLatency().Milliseconds()
		b.respond(logger, i, fmt.Sprintf("🏓 Pong! レイテンシ: %dms", ms), false)
	default:
		logger.Warn("Unknown command")
	}
}

type modeText struct {
	start, thread, queued string
}

var modeTexts = map[db.Mode]modeText{
	db.ModeSD: {
		start:  "🎨 画像生成を開始します...",
		thread: "生成: ",
		queued: "画像生成中... お待ちください ☕",
	},
	db.ModeGemini: {
		start:  "✨ Gemini APIで画像生成を開始します...",
		thread: "Gemini生成: ",
		queued: "🧠 Gemini APIで画像生成中... お待ちください ☕",
	},
	db.ModeXAI: {
		start:  "🤖 xAI API（Grok）で画像生成を開始します...",
		thread: "xAI生成: ",
		queued: "🤖 xAI APIで画像生成中... お待ちください ☕",
	},
}

func (b *Bot) modeEnabled(mode db.Mode) bool {
	switch mode {
	case db.ModeGemini:
		return b.config.GeminiEnabled
	case db.ModeXAI:
		return b.config.XAIEnabled
	default:
		return true
	}
}

func (b *Bot) handleGenerate(ctx context.Context, logger *zap.Logger, i *discordgo.Interaction, mode db.Mode, opts map[string]*discordgo.ApplicationCommandInteractionDataOption, research bool) {
	var instruction string
	if o, ok := opts["instruction"]; ok {
		instruction = strings.TrimSpace(o.StringValue())
	}
	if instruction == "" {
		b.respond(logger, i, "❌ 指示を入力してください。", true)
		return
	}
	if !b.modeEnabled(mode) {
		b.respond(logger, i, "❌ このプロバイダーは設定されていません。", true)
		return
	}
	if i.GuildID == "" {
		b.respond(logger, i, "❌ このコマンドはサーバー内でのみ使用できます。", true)
		return
	}

	text := modeTexts[mode]
	start := text.start
	if research {
		start += "（Webリサーチ有効）"
	}
	logger.Info("Generate command received",
		zap.String("mode", string(mode)),
		zap.Int("instruction_length", len(instruction)),
		zap.Bool("web_research", research))
	if !b.respond(logger, i, start+"\n指示: "+preview(instruction, 100), false) {
		return
	}

	msg, err := b.api.InteractionResponse(i, discordgo.WithContext(ctx))
	if err != nil {
		b.fail(logger, i, "failed to load interaction response", err)
		return
	}
	thread, err := b.api.MessageThreadStartComplex(i.ChannelID, msg.ID, &discordgo.ThreadStart{
		Name:                text.thread + preview(instruction, threadNameLength),
		AutoArchiveDuration: threadArchiveMinutes,
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.fail(logger, i, "failed to create thread", err)
		return
	}

	req := &db.Request{
		GuildID:             i.GuildID,
		UserID:              interactionUser(i),
		ThreadID:            thread.ID,
		OriginalInstruction: instruction,
		WebResearch:         research,
		Mode:                mode,
	}
	if err := b.admit(ctx, logger, req, thread.ID, text.queued); err != nil {
		b.fail(logger, i, "failed to admit request", err)
	}
}

// admit persists and enqueues req, announces it in the thread and starts
// watching for the result.
func (b *Bot) admit(ctx context.Context, logger *zap.Logger, req *db.Request, threadID, waiting string) error {
	if err := b.deps.Store.CreateRequest(ctx, req); err != nil {
		return core.NewAppError(core.CodeDatabase, "リクエストの保存に失敗しました", err)
	}
	if err := b.deps.Queue.EnqueueMode(req.ID, 0, req.Mode); err != nil {
		return core.NewAppError(core.CodeInternal, "キューへの追加に失敗しました", err)
	}
	logger.Info("Generation request admitted",
		zap.String("request_id", req.ID),
		zap.String("thread_id", threadID),
		zap.String("mode", string(req.Mode)))

	content := fmt.Sprintf("✅ リクエストをキューに追加しました\nリクエストID: `%s`\n%s", req.ID, waiting)
	if _, err := b.api.ChannelMessageSend(threadID, content, discordgo.WithContext(ctx)); err != nil {
		logger.Warn("Failed to announce request", zap.Error(err))
	}

	id := req.ID
	err := b.deps.Launcher.Go("notify-"+id, func(ctx context.Context) {
		b.notifier.Watch(ctx, id, threadID)
	})
	if err != nil {
		logger.Warn("Not watching request, shutting down", zap.String("request_id", id))
	}
	return nil
}

// onMessage turns a message in a thread with generation history into a
// follow-up request.
func (b *Bot) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := b.deps.Store.GetThreadContext(ctx, m.ChannelID); err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			b.logger.Warn("Failed to look up thread context", zap.String("thread_id", m.ChannelID), zap.Error(err))
		}
		return
	}
	if len([]rune(content)) > maxInstructionLength {
		content = string([]rune(content)[:maxInstructionLength])
	}

	logger := b.logger.With(
		zap.String("guild_id", m.GuildID),
		zap.String("user_id", m.Author.ID),
		zap.String("thread_id", m.ChannelID))
	logger.Info("Follow-up instruction received", zap.Int("instruction_length", len(content)))

	req := &db.Request{
		GuildID:             m.GuildID,
		UserID:              m.Author.ID,
		ThreadID:            m.ChannelID,
		OriginalInstruction: content,
		Mode:                db.ModeSD,
	}
	if err := b.admit(ctx, logger, req, m.ChannelID, "🔄 前回の生成をもとに画像を生成中... お待ちください ☕"); err != nil {
		logger.Error("Failed to admit follow-up", zap.Error(err))
		if _, err := b.api.ChannelMessageSend(m.ChannelID, "❌ "+userMessage(err)); err != nil {
			logger.Warn("Failed to report follow-up error", zap.Error(err))
		}
	}
}

func (b *Bot) handleSettings(ctx context.Context, logger *zap.Logger, i *discordgo.Interaction, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	sub := options[0]
	guildID, userID := i.GuildID, interactionUser(i)

	switch sub.Name {
	case "show":
		user, err := b.lookupSettings(ctx, guildID, userID)
		if err != nil {
			b.fail(logger, i, "failed to load settings", err)
			return
		}
		guild, err := b.lookupSettings(ctx, guildID, "")
		if err != nil {
			b.fail(logger, i, "failed to load settings", err)
			return
		}
		b.respond(logger, i, clip(settingsText(user, guild), MessageLimit), true)

	case "reset":
		scope := "user"
		if o, ok := optionMap(sub.Options)["scope"]; ok {
			scope = o.StringValue()
		}
		target, label := userID, "ユーザー専用"
		if scope == "server" {
			target, label = "", "サーバー全体"
		}
		err := b.deps.Settings.Delete(ctx, guildID, target)
		switch {
		case core.HasCode(err, core.CodeRecordNotFound):
			b.respond(logger, i, "ℹ️ 設定が見つかりませんでした。", true)
		case err != nil:
			b.fail(logger, i, "failed to reset settings", err)
		default:
			logger.Info("Settings reset", zap.String("scope", scope))
			b.respond(logger, i, fmt.Sprintf("✅ 設定をリセットしました (%s)。", label), true)
		}
	}
}

func (b *Bot) lookupSettings(ctx context.Context, guildID, userID string) (*db.Settings, error) {
	s, err := b.deps.Settings.Get(ctx, guildID, userID)
	if core.HasCode(err, core.CodeRecordNotFound) {
		return nil, nil
	}
	return s, err
}

func settingsText(user, guild *db.Settings) string {
	var parts []string
	if user != nil {
		parts = append(parts, "**あなたの設定:**\n"+FormatSettings(user))
	}
	if guild != nil {
		parts = append(parts, "**サーバーデフォルト設定:**\n"+FormatSettings(guild))
	}
	if len(parts) == 0 {
		return "設定がまだ作成されていません。\nHTTP API の `PUT /api/v1/settings` で設定を作成できます。"
	}
	text := strings.Join(parts, "\n\n")
	switch {
	case user != nil && guild != nil:
		text += "\n\n※ あなたの設定が優先的に適用されます"
	case user == nil:
		text += "\n\n※ あなた専用の設定はまだ作成されていません"
	}
	return text
}

func (b *Bot) handleSD(ctx context.Context, logger *zap.Logger, i *discordgo.Interaction, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	if b.deps.Catalog == nil {
		b.respond(logger, i, "❌ SD WebUI が設定されていません。", true)
		return
	}
	err := b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		logger.Error("Failed to defer response", zap.Error(err))
		return
	}

	title, items, err := b.listOptions(ctx, options[0].Name)
	if err != nil {
		logger.Error("Failed to list SD options", zap.String("kind", options[0].Name), zap.Error(err))
		b.followup(logger, i, "❌ "+title+"の取得に失敗しました。")
		return
	}
	chunks := ChunkList("利用可能な"+title, items)
	if len(chunks) == 0 {
		b.followup(logger, i, "利用可能な"+title+"が見つかりませんでした。")
		return
	}
	for _, chunk := range chunks {
		b.followup(logger, i, chunk)
	}
}

func (b *Bot) listOptions(ctx context.Context, kind string) (string, []string, error) {
	c := b.deps.Catalog
	switch kind {
	case "models":
		models, err := c.Models(ctx)
		names := make([]string, len(models))
		for i, m := range models {
			names[i] = m.DisplayName()
		}
		return "モデル", names, err
	case "loras":
		loras, err := c.LoRAs(ctx)
		names := make([]string, len(loras))
		for i, l := range loras {
			names[i] = l.Name
			if l.Alias != "" && l.Alias != l.Name {
				names[i] += " / " + l.Alias
			}
		}
		return "LoRA", names, err
	case "samplers":
		names, err := c.Samplers(ctx)
		return "サンプラー", names, err
	case "schedulers":
		names, err := c.Schedulers(ctx)
		return "スケジューラ", names, err
	case "upscalers":
		names, err := c.Upscalers(ctx)
		return "アップスケーラー", names, err
	default:
		return kind, nil, fmt.Errorf("unknown option list %q", kind)
	}
}

// respond sends the initial interaction response and reports success.
func (b *Bot) respond(logger *zap.Logger, i *discordgo.Interaction, content string, ephemeral bool) bool {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		logger.Error("Failed to respond to interaction", zap.Error(err))
		return false
	}
	return true
}

func (b *Bot) followup(logger *zap.Logger, i *discordgo.Interaction, content string) {
	_, err := b.api.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		logger.Error("Failed to send followup", zap.Error(err))
	}
}

// fail logs err and tells the user, after the interaction was answered.
func (b *Bot) fail(logger *zap.Logger, i *discordgo.Interaction, msg string, err error) {
	logger.Error("Command failed: "+msg, zap.Error(err))
	b.followup(logger, i, "❌ "+userMessage(err))
}

func userMessage(err error) string {
	var appErr *core.AppError
	if errors.As(err, &appErr) && appErr.Code != core.CodeInternal {
		return "エラー: " + appErr.Message
	}
	return "エラーが発生しました。もう一度お試しください。"
}

// sessionPoster adapts the Discord session to the notifier.
type sessionPoster struct {
	api session
}

func (p sessionPoster) Send(ctx context.Context, channelID, content string) error {
	_, err := p.api.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func (p sessionPoster) SendFile(ctx context.Context, channelID, content string, file Attachment) (string, error) {
	msg, err := p.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files: []*discordgo.File{{
			Name:        file.Name,
			ContentType: file.ContentType,
			Reader:      bytes.NewReader(file.Data),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if len(msg.Attachments) > 0 {
		return msg.Attachments[0].URL, nil
	}
	return "", nil
}
