package params

import (
	"testing"

	"github.com/hiyori-akane/diffuse-pilot/db"
)

var testDefaults = Defaults{Steps: 20, CFGScale: 7.0, Width: 512, Height: 512}

func fixedSeed(seed int64) Option {
	return WithSeedSource(func() int64 { return seed })
}

func previousMetadata() *db.Metadata {
	return &db.Metadata{
		Prompt:         "1girl, red dress, masterpiece",
		NegativePrompt: "lowres, bad hands",
		Steps:          32,
		CFGScale:       5.5,
		Sampler:        "DPM++ 2M",
		Scheduler:      "Karras",
		Width:          832,
		Height:         1216,
		Seed:           99,
	}
}

func TestResolveNewRequestUsesDefaultsForMissingFields(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(4242))

	got := r.Resolve(Inputs{LLM: Values{
		Prompt:  ptr("a red fox in snow, masterpiece"),
		Sampler: ptr("Euler a"),
	}})

	want := Resolved{
		Prompt:         "a red fox in snow, masterpiece",
		NegativePrompt: BaselineNegativePrompt,
		Steps:          20,
		CFGScale:       7.0,
		Sampler:        "Euler a",
		Width:          512,
		Height:         512,
		Seed:           4242,
	}
	if got != want {
		t.Errorf("Resolve() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestResolveGlobalSDParamsOverrideLLM(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(1))

	got := r.Resolve(Inputs{
		LLM: Values{Prompt: ptr("cat"), Steps: ptr(20), CFGScale: ptr(9.0)},
		Global: &db.Settings{DefaultSDParams: &db.SDParams{
			Steps: ptr(45),
			Width: ptr(1024),
		}},
	})

	if got.Steps != 45 {
		t.Errorf("Steps = %d, want 45 from global settings", got.Steps)
	}
	if got.Width != 1024 {
		t.Errorf("Width = %d, want 1024 from global settings", got.Width)
	}
	if got.CFGScale != 9.0 {
		t.Errorf("CFGScale = %v, want LLM value 9.0", got.CFGScale)
	}
	if got.Height != 512 {
		t.Errorf("Height = %d, want default 512", got.Height)
	}
}

func TestResolveResearchFillsOnlyUnsetFields(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(1))
	research := &Values{Steps: ptr(35), CFGScale: ptr(4.5), Sampler: ptr("DPM++ SDE"), Scheduler: ptr("Karras")}

	got := r.Resolve(Inputs{
		LLM:      Values{Prompt: ptr("castle"), CFGScale: ptr(8.0)},
		Research: research,
	})

	if got.CFGScale != 8.0 {
		t.Errorf("CFGScale = %v, want LLM value 8.0", got.CFGScale)
	}
	if got.Sampler != "DPM++ SDE" {
		t.Errorf("Sampler = %q, want research recommendation", got.Sampler)
	}
	if got.Scheduler != "Karras" {
		t.Errorf("Scheduler = %q, want research recommendation", got.Scheduler)
	}
	// Steps already carries the application default, so research does not apply.
	if got.Steps != 20 {
		t.Errorf("Steps = %d, want default 20", got.Steps)
	}

	followUp := r.Resolve(Inputs{
		LLM:      Values{Prompt: ptr("castle")},
		Previous: &db.Metadata{Prompt: "castle", Steps: 20, CFGScale: 7, Width: 512, Height: 512},
		Research: research,
	})
	if followUp.Sampler != "" {
		t.Errorf("follow-up Sampler = %q, research must be ignored", followUp.Sampler)
	}
}

func TestResolveFollowUpRestoresPreviousValues(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(1))
	prev := previousMetadata()

	got := r.Resolve(Inputs{
		LLM: Values{
			Prompt:         ptr("1girl, blue dress"),
			NegativePrompt: ptr("ugly"),
			Steps:          ptr(60),
			CFGScale:       ptr(12.0),
			Sampler:        ptr("Euler"),
			Scheduler:      ptr("Exponential"),
			Width:          ptr(512),
			Height:         ptr(512),
		},
		Previous: prev,
		Global: &db.Settings{DefaultSDParams: &db.SDParams{
			Steps:   ptr(45),
			Sampler: ptr("UniPC"),
		}},
	})

	if got.Prompt != prev.Prompt || got.NegativePrompt != prev.NegativePrompt {
		t.Errorf("prompts = %q / %q, want previous", got.Prompt, got.NegativePrompt)
	}
	if got.Steps != prev.Steps || got.CFGScale != prev.CFGScale {
		t.Errorf("steps/cfg = %d/%v, want %d/%v", got.Steps, got.CFGScale, prev.Steps, prev.CFGScale)
	}
	if got.Sampler != prev.Sampler || got.Scheduler != prev.Scheduler {
		t.Errorf("sampler/scheduler = %q/%q, want %q/%q", got.Sampler, got.Scheduler, prev.Sampler, prev.Scheduler)
	}
	if got.Width != prev.Width || got.Height != prev.Height {
		t.Errorf("size = %dx%d, want %dx%d", got.Width, got.Height, prev.Width, prev.Height)
	}
}

func TestResolveFollowUpKeepsLLMPromptWhenPreviousIsEmpty(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(1))
	prev := previousMetadata()
	prev.Prompt = ""
	prev.NegativePrompt = ""
	prev.Scheduler = ""

	got := r.Resolve(Inputs{
		LLM:      Values{Prompt: ptr("new prompt"), NegativePrompt: ptr("blurry"), Scheduler: ptr("Karras")},
		Previous: prev,
	})

	if got.Prompt != "new prompt" {
		t.Errorf("Prompt = %q, want LLM prompt", got.Prompt)
	}
	if got.NegativePrompt != "blurry" {
		t.Errorf("NegativePrompt = %q, want LLM negative prompt", got.NegativePrompt)
	}
	if got.Scheduler != "Karras" {
		t.Errorf("Scheduler = %q, want LLM scheduler when previous had none", got.Scheduler)
	}
}

func TestResolvePromptSuffix(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(1))
	global := &db.Settings{DefaultPromptSuffix: ptr("masterpiece, best quality")}

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"appended", "1cat", "1cat, masterpiece, best quality"},
		{"already present", "1cat, masterpiece, best quality, sofa", "1cat, masterpiece, best quality, sofa"},
		{"empty prompt", "", "masterpiece, best quality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(Inputs{LLM: Values{Prompt: ptr(tt.prompt)}, Global: global})
			if got.Prompt != tt.want {
				t.Errorf("Prompt = %q, want %q", got.Prompt, tt.want)
			}
		})
	}

	prev := previousMetadata()
	got := r.Resolve(Inputs{Previous: prev, Global: global})
	if got.Prompt != prev.Prompt+", masterpiece, best quality" {
		t.Errorf("follow-up Prompt = %q, want suffix appended", got.Prompt)
	}
}

func TestResolveSeed(t *testing.T) {
	r := NewResolver(testDefaults, fixedSeed(777))

	tests := []struct {
		name   string
		llm    *int64
		global *int64
		want   int64
	}{
		{"unset draws random", nil, nil, 777},
		{"minus one draws random", ptr(int64(-1)), nil, 777},
		{"llm seed kept", ptr(int64(5)), nil, 5},
		{"global seed wins", ptr(int64(5)), ptr(int64(123)), 123},
		{"global minus one passed through", nil, ptr(int64(-1)), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Inputs{LLM: Values{Prompt: ptr("x"), Seed: tt.llm}}
			if tt.global != nil {
				in.Global = &db.Settings{Seed: tt.global}
			}
			if got := r.Resolve(in).Seed; got != tt.want {
				t.Errorf("Seed = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResolveRandomSeedInRange(t *testing.T) {
	r := NewResolver(testDefaults)
	for i := 0; i < 100; i++ {
		seed := r.Resolve(Inputs{}).Seed
		if seed < 0 || seed > maxSeed {
			t.Fatalf("Seed = %d, out of [0, 2^32-1]", seed)
		}
	}
}

func TestResolveIsDeterministicApartFromSeed(t *testing.T) {
	r := NewResolver(testDefaults)
	in := Inputs{
		LLM:      Values{Prompt: ptr("forest"), Steps: ptr(25)},
		Global:   &db.Settings{DefaultSDParams: &db.SDParams{CFGScale: ptr(6.0)}, DefaultPromptSuffix: ptr("hdr")},
		Research: &Values{Sampler: ptr("Euler a")},
	}

	first := r.Resolve(in)
	second := r.Resolve(in)
	first.Seed, second.Seed = 0, 0
	if first != second {
		t.Errorf("Resolve() not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestAppendSuffix(t *testing.T) {
	tests := []struct {
		prompt, suffix, want string
	}{
		{"cat", "", "cat"},
		{"cat", "hdr", "cat, hdr"},
		{"", "hdr", "hdr"},
		{", cat", "hdr", "cat, hdr"},
	}
	for _, tt := range tests {
		if got := AppendSuffix(tt.prompt, tt.suffix); got != tt.want {
			t.Errorf("AppendSuffix(%q, %q) = %q, want %q", tt.prompt, tt.suffix, got, tt.want)
		}
	}
}
