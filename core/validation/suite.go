// Package validation runs the startup checks printed before the bot
// connects: configuration, writable storage and reachability of the local
// SD WebUI and Ollama servers.
package validation

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/imagegen"
)

// ValidationStep is a single check with its outcome.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult is the outcome of a full validation run.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// checkFunc runs one check. A warning does not fail the suite.
type checkFunc func(ctx context.Context) (StepStatus, string, error)

// Suite runs the startup checks for a loaded configuration.
type Suite struct {
	cfg          *core.Config
	output       io.Writer
	connectivity *ConnectivityChecker
	envPath      string
	showProgress bool
	failFast     bool
	minFreeSpace int64
}

// NewSuite creates a Suite for cfg. Upstream checks honor
// cfg.AllowSelfSignedCerts.
func NewSuite(cfg *core.Config) *Suite {
	return &Suite{
		cfg:          cfg,
		output:       os.Stdout,
		connectivity: NewConnectivityChecker().WithAllowSelfSignedCerts(cfg.AllowSelfSignedCerts),
		envPath:      ".env",
		showProgress: true,
		minFreeSpace: MinFreeImageSpace,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *Suite) WithOutput(w io.Writer) *Suite {
	s.output = w
	return s
}

// WithTimeout sets the timeout for each upstream check.
func (s *Suite) WithTimeout(timeout time.Duration) *Suite {
	s.connectivity.WithTimeout(timeout)
	return s
}

// WithShowProgress enables or disables progress output.
func (s *Suite) WithShowProgress(show bool) *Suite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on the first failed step.
func (s *Suite) WithFailFast(failFast bool) *Suite {
	s.failFast = failFast
	return s
}

// WithEnvPath sets the path of the .env file.
func (s *Suite) WithEnvPath(path string) *Suite {
	s.envPath = path
	return s
}

// WithMinFreeSpace sets the free space below which the image storage check warns.
func (s *Suite) WithMinFreeSpace(bytes int64) *Suite {
	s.minFreeSpace = bytes
	return s
}

// Validate runs every check in order. Upstream checks are skipped when the
// configuration itself is invalid.
func (s *Suite) Validate(ctx context.Context) SuiteResult {
	start := time.Now()
	if s.showProgress {
		s.printHeader("diffuse-pilot startup checks")
	}

	checks := []struct {
		name     string
		fn       checkFunc
		upstream bool
	}{
		{"Environment File", s.checkEnvFile, false},
		{"Configuration", s.checkConfig, false},
		{"Database Directory", s.checkDatabaseDir, false},
		{"Image Storage", s.checkImageStorage, false},
		{"Stable Diffusion WebUI", s.checkUpstream(s.cfg.SDAPIURL), true},
		{"Ollama", s.checkUpstream(s.cfg.OllamaAPIURL), true},
		{"Optional Providers", s.checkProviders, false},
	}

	steps := make([]ValidationStep, 0, len(checks))
	for _, check := range checks {
		var step ValidationStep
		if check.upstream && !s.noFailures(steps) {
			step = ValidationStep{Name: check.name, Status: StepSkipped, Message: "Skipped due to configuration errors"}
			if s.showProgress {
				s.printStep(step)
			}
		} else {
			step = s.runStep(ctx, check.name, check.fn)
		}
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	result := buildResult(steps, start)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *Suite) checkEnvFile(context.Context) (StepStatus, string, error) {
	if err := CheckFileExists(s.envPath); err != nil {
		return StepWarning, "No .env file, using process environment", core.ErrEnvFileMissing(s.envPath)
	}
	return StepPassed, s.envPath, nil
}

func (s *Suite) checkConfig(context.Context) (StepStatus, string, error) {
	if err := s.cfg.Validate(); err != nil {
		return StepFailed, "Invalid configuration", err
	}
	return StepPassed, "All values in range", nil
}

func (s *Suite) checkDatabaseDir(context.Context) (StepStatus, string, error) {
	dir := dirOf(s.cfg.DatabasePath)
	if err := CheckWritableDir(dir); err != nil {
		return StepFailed, "Not writable", err
	}
	return StepPassed, dir, nil
}

func (s *Suite) checkImageStorage(context.Context) (StepStatus, string, error) {
	dir := s.cfg.ImageStoragePath
	if err := CheckWritableDir(dir); err != nil {
		return StepFailed, "Not writable", err
	}
	info, err := GetDiskSpace(dir)
	if err != nil {
		return StepWarning, "Could not read free space", nil
	}
	if info.Free < s.minFreeSpace {
		return StepWarning, fmt.Sprintf("Low disk space: %s free", info.FreeFormatted()), nil
	}
	return StepPassed, fmt.Sprintf("%s free", info.FreeFormatted()), nil
}

// checkUpstream probes serverURL. An unreachable server is a warning: the
// bot still starts and requests fail until it comes up.
func (s *Suite) checkUpstream(serverURL string) checkFunc {
	return func(ctx context.Context) (StepStatus, string, error) {
		result := s.connectivity.CheckServerConnectivity(ctx, serverURL)
		if !result.Reachable {
			msg := result.Message
			if result.Error != nil {
				msg += ": " + result.Error.Error()
			}
			return StepWarning, msg, nil
		}
		msg := fmt.Sprintf("%s (latency: %v)", result.Message, result.Latency.Round(time.Millisecond))
		if !imagegen.IsLocalEndpoint(serverURL) {
			msg += ", remote endpoint"
		}
		return StepPassed, msg, nil
	}
}

func (s *Suite) checkProviders(context.Context) (StepStatus, string, error) {
	var enabled []string
	if s.cfg.GeminiEnabled() {
		enabled = append(enabled, "Gemini")
	}
	if s.cfg.XAIEnabled() {
		enabled = append(enabled, "xAI")
	}
	if s.cfg.ResearchEnabled() {
		enabled = append(enabled, "web research")
	}
	if len(enabled) == 0 {
		return StepPassed, "None configured", nil
	}
	return StepPassed, strings.Join(enabled, ", "), nil
}

func (s *Suite) runStep(ctx context.Context, name string, fn checkFunc) ValidationStep {
	if s.showProgress {
		fmt.Fprintf(s.output, "  ◌ %s...", name)
	}

	start := time.Now()
	status, message, err := fn(ctx)
	step := ValidationStep{
		Name:    name,
		Status:  status,
		Message: message,
		Error:   err,
		Latency: time.Since(start),
	}

	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func (s *Suite) noFailures(steps []ValidationStep) bool {
	for _, step := range steps {
		if step.Status == StepFailed {
			return false
		}
	}
	return true
}

func buildResult(steps []ValidationStep, start time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(start),
		Success:    true,
	}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

func (s *Suite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

func (s *Suite) printStep(step ValidationStep) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon, clr = "✓", color.New(color.FgGreen)
	case StepFailed:
		icon, clr = "✗", color.New(color.FgRed)
	case StepWarning:
		icon, clr = "!", color.New(color.FgYellow)
	case StepSkipped:
		icon, clr = "○", color.New(color.FgHiBlack)
	default:
		icon, clr = "?", color.New(color.FgWhite)
	}

	// Overwrite the "running" line.
	fmt.Fprintf(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Error != nil {
		color.New(color.FgRed).Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *Suite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)

	if result.Success {
		ok := color.New(color.FgGreen, color.Bold)
		ok.Fprintf(s.output, "━━━ Validation Passed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed, %d warnings, %v)",
			result.PassedSteps, result.TotalSteps, result.Warnings, result.Duration.Round(time.Millisecond))
		ok.Fprintln(s.output, " ━━━")
	} else {
		fail := color.New(color.FgRed, color.Bold)
		fail.Fprintf(s.output, "━━━ Validation Failed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)",
			result.PassedSteps, result.FailedSteps)
		fail.Fprintln(s.output, " ━━━")
	}

	fmt.Fprintln(s.output)
}

// FirstError returns the error of the first failed step, or nil.
func (r SuiteResult) FirstError() error {
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a one-line description of the run.
func (r SuiteResult) Summary() string {
	var sb strings.Builder
	outcome := "Passed"
	if !r.Success {
		outcome = "Failed"
	}
	fmt.Fprintf(&sb, "Validation %s: %d/%d checks passed", outcome, r.PassedSteps, r.TotalSteps)
	if r.FailedSteps > 0 {
		fmt.Fprintf(&sb, ", %d failed", r.FailedSteps)
	}
	if r.Warnings > 0 {
		fmt.Fprintf(&sb, ", %d warnings", r.Warnings)
	}
	fmt.Fprintf(&sb, " (took %v)", r.Duration.Round(time.Millisecond))
	return sb.String()
}
