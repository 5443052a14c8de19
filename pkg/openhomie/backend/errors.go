package backend

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies turn-level failures. Recovery is keyed on the kind, never
// on the underlying error text.
type Kind string

const (
	KindTransient        Kind = "transient_backend"
	KindModelUnavailable Kind = "model_unavailable"
	KindFirstByteTimeout Kind = "first_byte_timeout"
	KindContextOverflow  Kind = "context_overflow"
	KindCancelled        Kind = "cancelled"
	KindStoreIO          Kind = "store_io"
	KindFatal            Kind = "fatal"
)

// TurnError is an error with a recovery classification.
type TurnError struct {
	Kind Kind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError wraps err with a kind.
func NewTurnError(kind Kind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are fatal.
func KindOf(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

var (
	transientRe = regexp.MustCompile(`(?i)network.?timeout|connection.?(reset|refused)|temporar|rate.?limit|429|502|503|504|overloaded`)

	modelUnavailableRe = regexp.MustCompile(`(?i)model.*does not exist|not supported|do not have access|not available|upgrade.*plan`)

	contextOverflowRe = regexp.MustCompile(`(?i)context_length_exceeded|maximum context length|prompt is too long|too many tokens`)
)

// IsTransientText reports whether output text indicates a retryable failure.
func IsTransientText(s string) bool { return transientRe.MatchString(s) }

// IsModelUnavailableText reports whether output text indicates the model
// cannot be used at all (wrong name, no access, plan limits).
func IsModelUnavailableText(s string) bool { return modelUnavailableRe.MatchString(s) }

// IsContextOverflowText reports whether output text indicates the prompt
// exceeded the model's context window.
func IsContextOverflowText(s string) bool { return contextOverflowRe.MatchString(s) }
