package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodePartialStrict Code = 15
	CodeBlocked       Code = 16
	CodeNotFound      Code = 17
	CodeExhausted     Code = 18
	CodeQuota         Code = 19
)

// Kind names surfaced to tool callers. They are part of the structured
// result contract and must stay stable.
const (
	KindValidation       = "ValidationError"
	KindNotFound         = "NotFoundError"
	KindRateLimit        = "RateLimitError"
	KindExhaustedRetries = "ExhaustedRetriesError"
	KindQuota            = "QuotaError"
	KindProvider         = "ProviderError"
	KindInternal         = "InternalError"
)

// Error is a typed error that carries a stable error code and an optional
// remediation hint.
type Error struct {
	Code    Code
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithHint returns e with the hint set. It mutates e.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// KindOf maps err onto the caller-facing error taxonomy.
func KindOf(err error) string {
	e, ok := As(err)
	if !ok {
		return KindInternal
	}
	switch e.Code {
	case CodeUsage:
		return KindValidation
	case CodeNotFound:
		return KindNotFound
	case CodeRateLimited:
		return KindRateLimit
	case CodeExhausted:
		return KindExhaustedRetries
	case CodeQuota:
		return KindQuota
	case CodeAuth, CodeUnavailable, CodeUnsupported, CodeStale:
		return KindProvider
	default:
		return KindInternal
	}
}

// Recoverable reports whether a conversation can continue after err. Provider
// side failures that retries could not fix are not recoverable.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound:
		return true
	default:
		return false
	}
}

// FromKind rebuilds a typed error from its caller-facing form, picking the
// representative code for kind.
func FromKind(kind, message, hint string) *Error {
	code := CodeInternal
	switch kind {
	case KindValidation:
		code = CodeUsage
	case KindNotFound:
		code = CodeNotFound
	case KindRateLimit:
		code = CodeRateLimited
	case KindExhaustedRetries:
		code = CodeExhausted
	case KindQuota:
		code = CodeQuota
	case KindProvider:
		code = CodeUnavailable
	}
	return New(code, message).WithHint(hint)
}
