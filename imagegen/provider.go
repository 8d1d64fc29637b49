// Package imagegen contains the direct image generation providers (Gemini
// and xAI), the image store that persists generated images as PNG files, and
// the helpers that fetch and resize image data.
//
// The Stable Diffusion WebUI adapter lives in the sd subpackage.
package imagegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// Output is the result of a direct provider call.
type Output struct {
	// Images holds raw image bytes in whatever format the provider returned.
	Images [][]byte

	// Model is the provider model that produced the images.
	Model string

	// Description is free text returned alongside the images (Gemini only).
	Description string

	// ThoughtSignatures are opaque tokens needed to continue a Gemini
	// conversation. Base64 encoded.
	ThoughtSignatures []string
}

// Provider generates images straight from a natural-language instruction.
// Gemini and xAI implement it; neither uses prompt engineering or SD
// parameters.
type Provider interface {
	// Name returns the provider identifier ("gemini", "xai").
	Name() string

	// Model returns the configured model id.
	Model() string

	// Generate creates images from the instruction. An empty image list is
	// reported as a ProviderError of kind KindEmptyResult.
	Generate(ctx context.Context, instruction string) (*Output, error)
}

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindUpstream is a non-timeout failure reported by or on the way to the provider.
	KindUpstream ErrorKind = iota
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout
	// KindEmptyResult is a successful call that returned no images.
	KindEmptyResult
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEmptyResult:
		return "empty_result"
	default:
		return "upstream"
	}
}

// ProviderError is returned by every Provider implementation.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Code maps the error onto an application error code.
func (e *ProviderError) Code() core.ErrorCode {
	switch {
	case e.Kind == KindEmptyResult:
		return core.CodeProviderEmptyImage
	case e.Provider == "gemini":
		return core.CodeGeminiAPI
	case e.Provider == "xai":
		return core.CodeXAIAPI
	default:
		return core.CodeInternal
	}
}

func newProviderError(provider string, kind ErrorKind, message string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: message, Cause: cause}
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindTimeout
}

// IsEmptyResult reports whether err is a provider call that returned no images.
func IsEmptyResult(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindEmptyResult
}
