package models

import (
	"errors"
	"fmt"
)

// Command errors returned by the session controller
var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDeleteInFlight       = errors.New("delete already in flight")
	ErrSuperseded           = errors.New("peer selection superseded")
	ErrOwnershipViolation   = errors.New("message is not owned by the current user")
)

// TransportError is a refused or dropped connection. Transports retry these
// with backoff; REST calls surface them to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestFailed is a call the server rejected
type RequestFailed struct {
	Op      string
	Code    int
	Message string
}

func (e *RequestFailed) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: request failed with status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: request failed with status %d: %s", e.Op, e.Code, e.Message)
}

// AuthError means the credentials were rejected. It is never retried.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (%d)", e.Code)
	}
	return fmt.Sprintf("authentication failed (%d): %s", e.Code, e.Message)
}

// IsAuthError reports whether err carries an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
