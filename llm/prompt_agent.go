package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/params"
	"github.com/hiyori-akane/diffuse-pilot/research"
)

// ResearchSkipKeywords in an instruction disable web research for it.
var ResearchSkipKeywords = []string{"リサーチなし", "リサーチしない", "調べないで", "すぐに生成"}

const promptTemperature = 0.7

const systemPrompt = `You are a prompt engineer specialised in Stable Diffusion image generation.
From the user's natural-language instruction, produce an effective prompt, a negative prompt and suitable parameters.

Reply with JSON in this shape:
{
  "prompt": "generated prompt (English, comma separated, detailed)",
  "negative_prompt": "negative prompt (English, comma separated)",
  "steps": sampling steps (integer, 20-50 recommended),
  "cfg_scale": CFG scale (number, 5.0-15.0 recommended),
  "sampler": "sampler name (e.g. DPM++ 2M Karras)",
  "scheduler": "scheduler name (Beta, DDIM, Karras, Exponential, ...)",
  "width": image width (integer, 512, 768, 1024, ...),
  "height": image height (integer, 512, 768, 1024, ...)
}

Make the prompt concrete and detailed and include quality keywords (masterpiece, best quality, highly detailed, ...).
Include common unwanted elements (worst quality, low quality, blurry, ...) in the negative prompt.
The scheduler may be omitted, in which case the server chooses.`

// Chatter is the chat completion backend. *Client implements it.
type Chatter interface {
	Complete(ctx context.Context, system, user string, temperature float32, schema json.Marshaler) (string, error)
}

// Researcher looks up best practices for a theme. *research.Service
// implements it; a nil result means nothing was found.
type Researcher interface {
	Research(ctx context.Context, theme string) (*research.Result, error)
}

// Suggestion is the prompt agent's output for one request.
type Suggestion struct {
	// Values are the LLM-suggested parameters. Seed is never set.
	Values params.Values
	// Research is the research result, when research ran and found something.
	Research *research.Result
}

// PromptAgent turns instructions into SD prompts and parameters.
type PromptAgent struct {
	chat       Chatter
	researcher Researcher
	logger     *zap.Logger
}

// NewPromptAgent creates a prompt agent. researcher may be nil to disable
// web research.
func NewPromptAgent(chat Chatter, researcher Researcher, logger *zap.Logger) *PromptAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptAgent{chat: chat, researcher: researcher, logger: logger.Named("prompt_agent")}
}

type promptResponse struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Steps          *int     `json:"steps"`
	CFGScale       *float64 `json:"cfg_scale"`
	Sampler        *string  `json:"sampler"`
	Scheduler      *string  `json:"scheduler"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
}

func promptSchema() *jsonschema.Definition {
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"prompt":          {Type: jsonschema.String},
			"negative_prompt": {Type: jsonschema.String},
			"steps":           {Type: jsonschema.Integer},
			"cfg_scale":       {Type: jsonschema.Number},
			"sampler":         {Type: jsonschema.String},
			"scheduler":       {Type: jsonschema.String},
			"width":           {Type: jsonschema.Integer},
			"height":          {Type: jsonschema.Integer},
		},
		Required: []string{"prompt", "negative_prompt", "steps", "cfg_scale", "width", "height"},
	}
}

// Suggest asks the LLM for a prompt and parameters. previous is the latest
// metadata of the thread for follow-ups; research runs only for new requests
// when webResearch is set and the instruction does not opt out.
func (a *PromptAgent) Suggest(ctx context.Context, instruction string, previous *db.Metadata, settings *db.Settings, webResearch bool) (*Suggestion, error) {
	a.logger.Info("Generating prompt",
		zap.String("instruction", truncate(instruction, 100)),
		zap.Bool("follow_up", previous != nil),
		zap.Bool("web_research", webResearch))

	var researched *research.Result
	if webResearch && previous == nil {
		researched = a.research(ctx, instruction)
	}

	user := buildUserPrompt(instruction, previous, settings, researched)
	text, err := a.chat.Complete(ctx, systemPrompt, user, promptTemperature, promptSchema())
	if err != nil {
		return nil, core.NewAppError(core.CodeLLMAPI, "failed to generate prompt", err)
	}

	var resp promptResponse
	if err := core.DecodeJSONObject(text, &resp); err != nil {
		return nil, core.NewAppError(core.CodeLLMGeneration, "LLM returned an unusable prompt", err)
	}
	if strings.TrimSpace(resp.Prompt) == "" && previous == nil {
		return nil, core.NewAppError(core.CodeLLMGeneration, "LLM returned an empty prompt", nil)
	}

	values := a.toValues(resp)
	a.logger.Info("Prompt generation complete",
		zap.Int("prompt_length", len(resp.Prompt)),
		zap.Stringp("sampler", values.Sampler),
		zap.Intp("steps", values.Steps))

	return &Suggestion{Values: values, Research: researched}, nil
}

func (a *PromptAgent) research(ctx context.Context, instruction string) *research.Result {
	if a.researcher == nil {
		return nil
	}
	for _, kw := range ResearchSkipKeywords {
		if strings.Contains(instruction, kw) {
			a.logger.Info("Skipping web research on user request", zap.String("keyword", kw))
			return nil
		}
	}

	res, err := a.researcher.Research(ctx, instruction)
	if err != nil {
		a.logger.Warn("Web research failed, continuing without it", zap.Error(err))
		return nil
	}
	return res
}

// toValues drops values outside the ranges the SD server accepts so the
// resolver falls back to other sources for them.
func (a *PromptAgent) toValues(r promptResponse) params.Values {
	v := params.Values{}
	if p := strings.TrimSpace(r.Prompt); p != "" {
		v.Prompt = &p
	}
	if n := strings.TrimSpace(r.NegativePrompt); n != "" {
		v.NegativePrompt = &n
	}
	v.Steps = a.checkInt("steps", r.Steps, 1, 150)
	v.Width = a.checkInt("width", r.Width, 64, 2048)
	v.Height = a.checkInt("height", r.Height, 64, 2048)
	if r.CFGScale != nil {
		if *r.CFGScale < 1 || *r.CFGScale > 30 {
			a.logger.Warn("Ignoring out-of-range LLM value", zap.String("field", "cfg_scale"), zap.Float64("value", *r.CFGScale))
		} else {
			v.CFGScale = r.CFGScale
		}
	}
	v.Sampler = nonBlank(r.Sampler)
	v.Scheduler = nonBlank(r.Scheduler)
	return v
}

func (a *PromptAgent) checkInt(field string, val *int, lo, hi int) *int {
	if val == nil {
		return nil
	}
	if *val < lo || *val > hi {
		a.logger.Warn("Ignoring out-of-range LLM value", zap.String("field", field), zap.Int("value", *val))
		return nil
	}
	return val
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func buildUserPrompt(instruction string, previous *db.Metadata, settings *db.Settings, res *research.Result) string {
	var b strings.Builder

	if previous != nil {
		fmt.Fprintf(&b, "Previous generation settings:\n")
		fmt.Fprintf(&b, "Prompt: %s\n", previous.Prompt)
		fmt.Fprintf(&b, "Negative prompt: %s\n", previous.NegativePrompt)
		fmt.Fprintf(&b, "Steps: %d\n", previous.Steps)
		fmt.Fprintf(&b, "CFG scale: %g\n", previous.CFGScale)
		fmt.Fprintf(&b, "Sampler: %s\n", previous.Sampler)
		fmt.Fprintf(&b, "Size: %dx%d\n\n", previous.Width, previous.Height)
		fmt.Fprintf(&b, "Follow-up instruction from the user: %s\n\n", instruction)
		b.WriteString("Produce new settings based on the above that reflect the follow-up instruction.\n")
		b.WriteString("Keep the previous value for anything that does not need to change.")
		return b.String()
	}

	fmt.Fprintf(&b, "User instruction: %s\n\n", instruction)

	if res != nil {
		b.WriteString("Web research results:\n")
		if res.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n\n", res.Summary)
		}
		if len(res.PromptTechniques) > 0 {
			fmt.Fprintf(&b, "Recommended prompt techniques: %s\n\n", strings.Join(res.PromptTechniques, ", "))
		}
		if s := res.SettingsString(); s != "" {
			fmt.Fprintf(&b, "Recommended settings: %s\n\n", s)
		}
	}

	if settings != nil && settings.DefaultPromptSuffix != nil && *settings.DefaultPromptSuffix != "" {
		fmt.Fprintf(&b, "Default prompt (appended at the end): %s\n\n", *settings.DefaultPromptSuffix)
	}

	b.WriteString("Generate an image generation prompt and parameters for the instruction above.")
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
