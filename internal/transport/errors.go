package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// RetryClass indicates whether a connection failure should trigger reconnects.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// Close codes the backend uses to reject credentials after the upgrade.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// ConnectionError wraps a transport failure with what is known about it.
type ConnectionError struct {
	Op         string // dial, read, write, ping
	StatusCode int    // HTTP status of a failed handshake, if any
	CloseCode  int    // websocket close code, if any
	Err        error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.CloseCode != 0 {
		fmt.Fprintf(&b, " (close %d)", e.CloseCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Auth reports whether the server rejected the credential.
func (e *ConnectionError) Auth() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	switch e.CloseCode {
	case CloseUnauthorized, CloseForbidden:
		return true
	}
	return false
}

// Is matches ErrAuth for rejected credentials and ErrNetwork otherwise.
func (e *ConnectionError) Is(target error) bool {
	if e.Auth() {
		return target == protocol.ErrAuth
	}
	return target == protocol.ErrNetwork
}

// ClassifyConnectionError decides whether the reconnect policy applies.
// Credential rejections are never retried; everything else is.
func ClassifyConnectionError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}
	if errors.Is(err, protocol.ErrAuth) {
		return RetryClassNonRetryable
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		if ce.Auth() {
			return RetryClassNonRetryable
		}
		return RetryClassRetryable
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return RetryClassNonRetryable
	}
	return RetryClassRetryable
}
