// Package research looks up Stable Diffusion best practices for a theme with
// Google Custom Search and condenses the results with the LLM.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hiyori-akane/diffuse-pilot/params"
)

// Settings are the generation settings recommended by research. Nil fields
// had no clear recommendation.
type Settings struct {
	Steps     *int     `json:"steps,omitempty"`
	CFGScale  *float64 `json:"cfg_scale,omitempty"`
	Sampler   *string  `json:"sampler,omitempty"`
	Scheduler *string  `json:"scheduler,omitempty"`
}

// Result is the condensed outcome of one research run.
type Result struct {
	Summary             string   `json:"summary"`
	PromptTechniques    []string `json:"prompt_techniques"`
	RecommendedLoRAs    []string `json:"recommended_loras"`
	RecommendedSettings Settings `json:"recommended_settings"`
	Sources             []string `json:"sources"`
}

// Values converts the recommended settings into resolver input. Blank
// sampler and scheduler names are treated as unset.
func (r *Result) Values() *params.Values {
	if r == nil {
		return nil
	}
	s := r.RecommendedSettings
	v := &params.Values{Steps: s.Steps, CFGScale: s.CFGScale}
	if s.Sampler != nil && strings.TrimSpace(*s.Sampler) != "" {
		v.Sampler = s.Sampler
	}
	if s.Scheduler != nil && strings.TrimSpace(*s.Scheduler) != "" {
		v.Scheduler = s.Scheduler
	}
	return v
}

// SettingsString renders the recommended settings for inclusion in a prompt.
func (r *Result) SettingsString() string {
	s := r.RecommendedSettings
	var parts []string
	if s.Steps != nil {
		parts = append(parts, fmt.Sprintf("steps=%d", *s.Steps))
	}
	if s.CFGScale != nil {
		parts = append(parts, fmt.Sprintf("cfg_scale=%g", *s.CFGScale))
	}
	if s.Sampler != nil && *s.Sampler != "" {
		parts = append(parts, "sampler="+*s.Sampler)
	}
	if s.Scheduler != nil && *s.Scheduler != "" {
		parts = append(parts, "scheduler="+*s.Scheduler)
	}
	return strings.Join(parts, ", ")
}

// SearchItem is one Google Custom Search hit.
type SearchItem struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
}

// Chatter is the LLM used to condense search results. llm.Client
// implements it.
type Chatter interface {
	Complete(ctx context.Context, system, user string, temperature float32, schema json.Marshaler) (string, error)
}
