// Package ai defines the completion-provider abstraction.
//
// Providers implement a minimal surface: free-text generation and structured
// JSON generation against a schema. Callers pick their request shape by
// inspecting Capabilities rather than type-switching on implementations.
package ai

import "context"

// Provider abstracts an AI text/JSON completion backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the backend (e.g. "openai") for error reporting.
	Name() string

	// Capabilities reports what request shapes the backend supports.
	Capabilities() Capabilities

	// GenerateText returns a free-text completion. webSearch is a hint;
	// backends without the capability ignore it.
	GenerateText(ctx context.Context, instructions, input string, webSearch bool) (string, error)

	// GenerateStructured returns raw JSON conforming to the given schema.
	// Only valid when Capabilities().StructuredOutput is true.
	GenerateStructured(ctx context.Context, instructions, input string, schema map[string]any) (string, error)
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	StructuredOutput bool `json:"structuredOutput"`
	WebSearch        bool `json:"webSearch"`
	Streaming        bool `json:"streaming"`
}
