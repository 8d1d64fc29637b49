package discord

import "github.com/bwmarrin/discordgo"

// Command names.
const (
	cmdGenerate       = "generate"
	cmdGenerateGemini = "generate_gemini"
	cmdGenerateXAI    = "generate_xai"
	cmdSettings       = "settings"
	cmdSD             = "sd"
	cmdPing           = "ping"
)

// maxInstructionLength bounds the instruction option.
const maxInstructionLength = 2000

func instructionOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "instruction",
		Description: "生成したい画像の説明（日本語OK）",
		Required:    true,
		MaxLength:   maxInstructionLength,
	}
}

func scopeOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "scope",
		Description: "設定の適用範囲（ユーザー専用 or サーバー全体）",
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "ユーザー専用", Value: "user"},
			{Name: "サーバー全体", Value: "server"},
		},
	}
}

func subcommand(name, description string, options ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
		Options:     options,
	}
}

// Commands returns the slash commands to register. Provider commands are
// only included when the provider is configured.
func Commands(geminiEnabled, xaiEnabled bool) []*discordgo.ApplicationCommand {
	guildOnly := false
	commands := []*discordgo.ApplicationCommand{
		{
			Name:         cmdGenerate,
			Description:  "画像を生成します",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				instructionOption(),
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "web_research",
					Description: "Webからベストプラクティスをリサーチして反映（デフォルト: False）",
				},
			},
		},
	}
	if geminiEnabled {
		commands = append(commands, &discordgo.ApplicationCommand{
			Name:         cmdGenerateGemini,
			Description:  "Gemini APIで画像を生成します",
			DMPermission: &guildOnly,
			Options:      []*discordgo.ApplicationCommandOption{instructionOption()},
		})
	}
	if xaiEnabled {
		commands = append(commands, &discordgo.ApplicationCommand{
			Name:         cmdGenerateXAI,
			Description:  "xAI API（Grok）で画像を生成します",
			DMPermission: &guildOnly,
			Options:      []*discordgo.ApplicationCommandOption{instructionOption()},
		})
	}

	return append(commands,
		&discordgo.ApplicationCommand{
			Name:         cmdSettings,
			Description:  "生成設定を管理します",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("show", "現在の設定を表示します"),
				subcommand("reset", "設定をリセットします", scopeOption()),
			},
		},
		&discordgo.ApplicationCommand{
			Name:        cmdSD,
			Description: "Stable Diffusion の利用可能なオプションを表示します",
			Options: []*discordgo.ApplicationCommandOption{
				subcommand("models", "利用可能なモデルの一覧"),
				subcommand("loras", "利用可能な LoRA の一覧"),
				subcommand("samplers", "利用可能なサンプラーの一覧"),
				subcommand("schedulers", "利用可能なスケジューラの一覧"),
				subcommand("upscalers", "利用可能なアップスケーラーの一覧"),
			},
		},
		&discordgo.ApplicationCommand{
			Name:        cmdPing,
			Description: "Bot の応答を確認します",
		},
	)
}

// optionMap indexes the options of a command or subcommand by name.
func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}
