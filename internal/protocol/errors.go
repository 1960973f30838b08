package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every layer of the client. Typed errors below
// match these sentinels through errors.Is.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrNetwork      = errors.New("network error")
	ErrDecode       = errors.New("malformed envelope")
	ErrValidation   = errors.New("invalid request")
	ErrConflict     = errors.New("a generation is already in progress for this group")
	ErrBackpressure = errors.New("send queue is full, try again")
)

// DecodeError reports an inbound envelope that could not be turned into an Event.
type DecodeError struct {
	Reason  string
	Details []string
	Raw     string
}

func (e *DecodeError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("decode envelope: %s", e.Reason)
	}
	return fmt.Sprintf("decode envelope: %s: %s", e.Reason, strings.Join(e.Details, "; "))
}

// Is lets callers match any DecodeError with errors.Is(err, ErrDecode).
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func newDecodeError(data []byte, reason string, details ...string) *DecodeError {
	return &DecodeError{Reason: reason, Details: details, Raw: truncate(string(data), 256)}
}

// ValidationError rejects an outbound request before it reaches the wire.
type ValidationError struct {
	Field  string
	Errors []string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, strings.Join(e.Errors, "; "))
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Errors: []string{fmt.Sprintf(format, args...)}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
