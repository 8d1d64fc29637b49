// Package params resolves the final Stable Diffusion parameters of a
// generation from its sources: application defaults, guild or user settings,
// the previous generation in the thread, web research recommendations and
// the values suggested by the prompt LLM.
//
// Resolution is a pure function of its inputs. The only nondeterminism is
// the random seed, drawn from an injectable source.
package params

import (
	"math/rand/v2"
	"strings"

	"github.com/hiyori-akane/diffuse-pilot/db"
)

// BaselineNegativePrompt is used when no source supplies a negative prompt.
const BaselineNegativePrompt = "worst quality, low quality, blurry, bad anatomy, bad hands, text, error, " +
	"missing fingers, extra digit, fewer digits, cropped, jpeg artifacts, " +
	"signature, watermark, username"

// maxSeed is the largest seed drawn at random (2^32-1).
const maxSeed = 1<<32 - 1

// Values is a partially populated parameter record. Nil fields are unset.
type Values struct {
	Prompt         *string  `json:"prompt,omitempty"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	Sampler        *string  `json:"sampler,omitempty"`
	Scheduler      *string  `json:"scheduler,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
}

// Resolved is the fully populated outcome of a resolution. An empty Sampler
// or Scheduler leaves the choice to the SD server.
type Resolved struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Sampler        string  `json:"sampler"`
	Scheduler      string  `json:"scheduler,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
}

// Defaults are the application-level fallbacks from configuration.
type Defaults struct {
	Steps     int
	CFGScale  float64
	Sampler   string // Empty means unset
	Scheduler string // Empty means unset
	Width     int
	Height    int
}

// Inputs bundles every source of one resolution.
type Inputs struct {
	// LLM holds the values suggested by the prompt agent.
	LLM Values
	// Previous is the latest metadata of the thread. Non-nil marks a follow-up.
	Previous *db.Metadata
	// Global is the effective settings row (user over guild), if any.
	Global *db.Settings
	// Research holds recommended settings. Ignored for follow-ups.
	Research *Values
}

// Resolver applies the precedence rules over Inputs.
type Resolver struct {
	defaults Defaults
	randSeed func() int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSeedSource replaces the random seed source.
func WithSeedSource(fn func() int64) Option {
	return func(r *Resolver) { r.randSeed = fn }
}

// NewResolver creates a Resolver with the given application defaults.
func NewResolver(defaults Defaults, opts ...Option) *Resolver {
	r := &Resolver{
		defaults: defaults,
		randSeed: func() int64 { return rand.Int64N(maxSeed + 1) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Defaults returns the resolver's application defaults.
func (r *Resolver) Defaults() Defaults {
	return r.defaults
}

// Resolve merges the inputs into the final parameters. Precedence, lowest
// first: application defaults, global default_sd_params, previous metadata,
// then LLM values; research recommendations fill what is still unset;
// global default_sd_params override again; a follow-up finally restores the
// previous generation's values.
func (r *Resolver) Resolve(in Inputs) Resolved {
	var sd *db.SDParams
	if in.Global != nil {
		sd = in.Global.DefaultSDParams
	}

	base := r.baseValues()
	base = Overlay(base, fromSDParams(sd))
	if in.Previous != nil {
		base = Overlay(base, FromMetadata(in.Previous))
	}

	out := Fill(in.LLM, base)

	if in.Research != nil && in.Previous == nil {
		research := *in.Research
		research.Prompt, research.NegativePrompt, research.Seed = nil, nil, nil
		out = Fill(out, research)
	}

	out = Overlay(out, fromSDParams(sd))

	if in.Previous != nil {
		prev := FromMetadata(in.Previous)
		if in.Previous.Prompt == "" {
			prev.Prompt = nil
		}
		if in.Previous.NegativePrompt == "" {
			prev.NegativePrompt = nil
		}
		out = Overlay(out, prev)
	}

	res := Resolved{
		Prompt:         deref(out.Prompt),
		NegativePrompt: deref(out.NegativePrompt),
		Steps:          deref(out.Steps),
		CFGScale:       deref(out.CFGScale),
		Sampler:        deref(out.Sampler),
		Scheduler:      deref(out.Scheduler),
		Width:          deref(out.Width),
		Height:         deref(out.Height),
	}

	if in.Global != nil && in.Global.DefaultPromptSuffix != nil {
		res.Prompt = AppendSuffix(res.Prompt, *in.Global.DefaultPromptSuffix)
	}

	if res.NegativePrompt == "" {
		res.NegativePrompt = BaselineNegativePrompt
	}

	switch {
	case in.Global != nil && in.Global.Seed != nil:
		res.Seed = *in.Global.Seed
	case in.LLM.Seed == nil || *in.LLM.Seed == -1:
		res.Seed = r.randSeed()
	default:
		res.Seed = *in.LLM.Seed
	}

	return res
}

func (r *Resolver) baseValues() Values {
	d := r.defaults
	v := Values{
		Steps:    &d.Steps,
		CFGScale: &d.CFGScale,
		Width:    &d.Width,
		Height:   &d.Height,
	}
	if d.Sampler != "" {
		v.Sampler = &d.Sampler
	}
	if d.Scheduler != "" {
		v.Scheduler = &d.Scheduler
	}
	return v
}

// AppendSuffix appends suffix to prompt as ", suffix" unless the prompt
// already contains it. Leading and trailing ", " are trimmed.
func AppendSuffix(prompt, suffix string) string {
	if suffix == "" || strings.Contains(prompt, suffix) {
		return prompt
	}
	return strings.Trim(prompt+", "+suffix, ", ")
}

// Overlay returns base with every non-nil field of top copied over it.
func Overlay(base, top Values) Values {
	out := base
	if top.Prompt != nil {
		out.Prompt = top.Prompt
	}
	if top.NegativePrompt != nil {
		out.NegativePrompt = top.NegativePrompt
	}
	if top.Steps != nil {
		out.Steps = top.Steps
	}
	if top.CFGScale != nil {
		out.CFGScale = top.CFGScale
	}
	if top.Sampler != nil {
		out.Sampler = top.Sampler
	}
	if top.Scheduler != nil {
		out.Scheduler = top.Scheduler
	}
	if top.Width != nil {
		out.Width = top.Width
	}
	if top.Height != nil {
		out.Height = top.Height
	}
	if top.Seed != nil {
		out.Seed = top.Seed
	}
	return out
}

// Fill returns v with its nil fields taken from fallback.
func Fill(v, fallback Values) Values {
	return Overlay(fallback, v)
}

// FromMetadata lifts the resolvable fields of stored metadata into Values.
// A stored empty scheduler stays unset.
func FromMetadata(m *db.Metadata) Values {
	if m == nil {
		return Values{}
	}
	v := Values{
		Prompt:         ptr(m.Prompt),
		NegativePrompt: ptr(m.NegativePrompt),
		Steps:          ptr(m.Steps),
		CFGScale:       ptr(m.CFGScale),
		Sampler:        ptr(m.Sampler),
		Width:          ptr(m.Width),
		Height:         ptr(m.Height),
	}
	if m.Scheduler != "" {
		v.Scheduler = ptr(m.Scheduler)
	}
	return v
}

func fromSDParams(p *db.SDParams) Values {
	if p == nil {
		return Values{}
	}
	return Values{
		Steps:     p.Steps,
		CFGScale:  p.CFGScale,
		Sampler:   p.Sampler,
		Scheduler: p.Scheduler,
		Width:     p.Width,
		Height:    p.Height,
	}
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
