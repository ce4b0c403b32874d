package imap

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// AuthError marks a login rejection; never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// IsRetryable classifies an IMAP/SMTP error as transient. Connection
// drops, timeouts and temporary failures cause the sweep loop to sleep
// and re-enter; anything else propagates.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection closed", "connection reset", "broken pipe", "timeout", "temporar", "try again", "server busy", "too many connections"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
