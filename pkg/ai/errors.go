package ai

import (
	"errors"
	"fmt"
)

// ErrProvider is the sentinel for all AI backend failures.
var ErrProvider = errors.New("ai provider error")

// ProviderError wraps a backend failure with context.
type ProviderError struct {
	// Backend is the provider name (e.g. "openai").
	Backend string

	// Op is the operation that failed (e.g. "GenerateStructured").
	Op string

	// Err is the underlying error.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// IsProviderError returns true if the error came from an AI backend.
func IsProviderError(err error) bool {
	return errors.Is(err, ErrProvider)
}

// ErrParse is the sentinel for structured-response parse failures.
var ErrParse = errors.New("unparseable model output")

// ParseError reports that every recovery strategy failed on a model response.
type ParseError struct {
	// Raw is a truncated copy of the response that defeated the parser.
	Raw string

	// Err is the final decode error.
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// IsParseError returns true if the error is a structured-output parse failure.
func IsParseError(err error) bool {
	return errors.Is(err, ErrParse)
}
