package discord

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hiyori-akane/diffuse-pilot/db"
)

// MessageLimit is the maximum length of a Discord message.
const MessageLimit = 2000

// chunkLimit leaves room for a header in split listings.
const chunkLimit = 1900

// clip shortens s to at most n runes, marking the cut with "...".
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// preview returns the first n runes of s followed by "..." when cut.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatResult renders the message posted before the images of a completed
// request: research summary, prompt and parameter list.
func FormatResult(meta *db.Metadata, images int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 画像生成が完了しました！ (%d枚)\n\n", images)
	if meta == nil {
		return b.String()
	}

	if research, ok := meta.RawParams["web_research"].(map[string]any); ok {
		b.WriteString(formatResearch(research))
	}

	fmt.Fprintf(&b, "**プロンプト:**\n```\n%s\n```\n", preview(meta.Prompt, 500))
	b.WriteString("**パラメータ:**\n")
	b.WriteString(strings.Join(ParameterLines(meta), "\n"))
	return clip(b.String(), MessageLimit)
}

func formatResearch(research map[string]any) string {
	var b strings.Builder
	b.WriteString("**📚 Webリサーチサマリー:**\n")
	if summary, _ := research["summary"].(string); summary != "" {
		b.WriteString(summary + "\n\n")
	}
	if techniques := stringList(research["prompt_techniques"], 3); len(techniques) > 0 {
		b.WriteString("💡 推奨テクニック: " + strings.Join(techniques, ", ") + "\n")
	}
	if sources := stringList(research["sources"], 2); len(sources) > 0 {
		b.WriteString("📖 参照元: " + strings.Join(sources, ", ") + "\n\n")
	}
	return b.String()
}

func stringList(v any, limit int) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

// ParameterLines lists the generation parameters of meta, including the
// batch, hires and refiner extras recorded in its raw parameters.
func ParameterLines(meta *db.Metadata) []string {
	lines := []string{
		"• モデル: " + meta.ModelName,
		fmt.Sprintf("• サイズ: %dx%d", meta.Width, meta.Height),
		fmt.Sprintf("• ステップ数: %d", meta.Steps),
		"• CFG Scale: " + formatFloat(meta.CFGScale),
		"• サンプラー: " + meta.Sampler,
		fmt.Sprintf("• Seed: %d", meta.Seed),
	}
	if meta.Scheduler != "" {
		lines = append(lines, "• スケジューラー: "+meta.Scheduler)
	}
	if len(meta.LoRAs) > 0 {
		names := make([]string, len(meta.LoRAs))
		for i, l := range meta.LoRAs {
			names[i] = l.Name
		}
		lines = append(lines, "• LoRA: "+strings.Join(names, ", "))
	}
	if meta.NegativePrompt != "" {
		lines = append(lines, "• ネガティブプロンプト: "+preview(meta.NegativePrompt, 100))
	}

	raw := meta.RawParams
	if n, ok := number(raw["batch_size"]); ok && n > 1 {
		lines = append(lines, "• バッチサイズ: "+formatFloat(n))
	}
	if n, ok := number(raw["n_iter"]); ok && n > 1 {
		lines = append(lines, "• バッチカウント: "+formatFloat(n))
	}
	if enabled, _ := raw["enable_hr"].(bool); enabled {
		lines = append(lines, "• Hires. fix: 有効")
		if n, ok := number(raw["hr_scale"]); ok {
			lines = append(lines, "  - Upscale by: "+formatFloat(n))
		}
		if s, _ := raw["hr_upscaler"].(string); s != "" {
			lines = append(lines, "  - Upscaler: "+s)
		}
		if n, ok := number(raw["hr_second_pass_steps"]); ok && n > 0 {
			lines = append(lines, "  - ステップ数: "+formatFloat(n))
		}
		if n, ok := number(raw["denoising_strength"]); ok {
			lines = append(lines, "  - Denoising strength: "+formatFloat(n))
		}
	}
	if s, _ := raw["refiner_checkpoint"].(string); s != "" {
		lines = append(lines, "• Refiner checkpoint: "+s)
		if n, ok := number(raw["refiner_switch_at"]); ok {
			lines = append(lines, "  - Switch at: "+formatFloat(n))
		}
	}
	return lines
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// FormatSettings renders a settings row for /settings show.
func FormatSettings(s *db.Settings) string {
	if s == nil {
		return "（設定なし）"
	}
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	if s.DefaultModel != nil {
		add("• デフォルトモデル: `%s`", *s.DefaultModel)
	}
	if len(s.DefaultLoRAs) > 0 {
		parts := make([]string, len(s.DefaultLoRAs))
		for i, l := range s.DefaultLoRAs {
			parts[i] = fmt.Sprintf("%s:%s", l.Name, formatFloat(l.Weight))
		}
		add("• デフォルト LoRA: `%s`", strings.Join(parts, ", "))
	}
	if s.DefaultPromptSuffix != nil && *s.DefaultPromptSuffix != "" {
		add("• プロンプト suffix: `%s`", preview(*s.DefaultPromptSuffix, 50))
	}
	if p := s.DefaultSDParams; p != nil {
		lines = append(lines, "• SD パラメータ:")
		if p.Steps != nil {
			add("  - ステップ数: `%d`", *p.Steps)
		}
		if p.CFGScale != nil {
			add("  - CFG スケール: `%s`", formatFloat(*p.CFGScale))
		}
		if p.Sampler != nil {
			add("  - サンプラー: `%s`", *p.Sampler)
		}
		if p.Scheduler != nil {
			add("  - スケジューラー: `%s`", *p.Scheduler)
		}
		if p.Width != nil {
			add("  - 画像幅: `%d`", *p.Width)
		}
		if p.Height != nil {
			add("  - 画像高さ: `%d`", *p.Height)
		}
	}
	if s.Seed != nil {
		add("• シード値: `%d`", *s.Seed)
	}
	if s.BatchSize != nil {
		add("• バッチサイズ: `%d`", *s.BatchSize)
	}
	if s.BatchCount != nil {
		add("• バッチカウント: `%d`", *s.BatchCount)
	}
	if s.HiresUpscaler != nil {
		add("• Hires. fix Upscaler: `%s`", *s.HiresUpscaler)
	}
	if s.HiresSteps != nil {
		add("• Hires. fix ステップ数: `%d`", *s.HiresSteps)
	}
	if s.DenoisingStrength != nil {
		add("• Denoising strength: `%s`", formatFloat(*s.DenoisingStrength))
	}
	if s.UpscaleBy != nil {
		add("• Upscale by: `%s`", formatFloat(*s.UpscaleBy))
	}
	if s.RefinerCheckpoint != nil {
		add("• Refiner checkpoint: `%s`", *s.RefinerCheckpoint)
	}
	if s.RefinerSwitchAt != nil {
		add("• Refiner switch at: `%s`", formatFloat(*s.RefinerSwitchAt))
	}

	if len(lines) == 0 {
		return "（設定なし）"
	}
	return strings.Join(lines, "\n")
}

// ChunkList renders items as a bullet list under title, split into
// messages that fit the Discord limit. An empty list yields no chunks.
func ChunkList(title string, items []string) []string {
	if len(items) == 0 {
		return nil
	}
	var chunks []string
	current := fmt.Sprintf("**%s (%d個):**\n", title, len(items))
	for _, item := range items {
		line := "• `" + item + "`\n"
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(line) > chunkLimit {
			chunks = append(chunks, strings.TrimRight(current, "\n"))
			current = ""
		}
		current += line
	}
	if current != "" {
		chunks = append(chunks, strings.TrimRight(current, "\n"))
	}
	return chunks
}
