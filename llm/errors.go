package llm

import (
	"errors"
	"fmt"
)

// Sentinels for the generation error taxonomy.
var (
	// ErrProviderUnavailable covers transport failures, timeouts, 5xx and rate
	// limits that survived all retries, and endpoints with an open circuit.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrGenerationParse covers model output that could not be parsed into
	// the expected structure after local repair.
	ErrGenerationParse = errors.New("generation output could not be parsed")
)

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ParseError reports model output that does not match the expected structure.
type ParseError struct {
	// Stage names the call that produced the output (titles, expand, ...).
	Stage string
	// Reason is a short human readable cause.
	Reason string
	// Snippet is the beginning of the offending output.
	Snippet string
	err     error
}

// NewParseError builds a ParseError. cause may be nil.
func NewParseError(stage, reason, output string, cause error) *ParseError {
	snippet := output
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return &ParseError{Stage: stage, Reason: reason, Snippet: snippet, err: cause}
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrGenerationParse, e.Stage, e.Reason)
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// Is reports whether target is ErrGenerationParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrGenerationParse
}

// unavailable wraps err so it matches ErrProviderUnavailable while keeping the cause.
func unavailable(endpoint string, err error) error {
	return fmt.Errorf("%w: endpoint %s: %w", ErrProviderUnavailable, endpoint, err)
}
