package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidCredentials is returned when login or refresh credentials are rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized is returned when the session token is unknown or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable is returned when the remote authority cannot be reached
	// or fails transiently.
	ErrUnavailable = errors.New("remote authority unavailable")
	// ErrObjectNotFound is returned by object stores for missing keys.
	ErrObjectNotFound = errors.New("object not found")
)

// Rejection codes carried by RejectedError.
const (
	CodeInvalid   = "invalid"
	CodeConflict  = "conflict"
	CodeForbidden = "forbidden"
)

// RejectedError is a permanent rejection of a mutation. Retrying it can never
// succeed.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Reason)
}

func reject(code, format string, args ...any) error {
	return &RejectedError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsTransient reports whether err is worth retrying later: unreachable
// authority, 5xx responses and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
