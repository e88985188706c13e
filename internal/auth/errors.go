package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNoToken                  = errors.New("auth: no token")
	ErrMalformedToken           = errors.New("auth: malformed token")
	ErrExpiredToken             = errors.New("auth: expired token")
	ErrAuthenticationFailed     = errors.New("auth: authentication failed")
	ErrAuthenticationRequired   = errors.New("auth: authentication required")
	ErrInsufficientPermissions  = errors.New("auth: insufficient permissions")
	ErrAuthorizationCheckFailed = errors.New("auth: authorization check failed")
	ErrInvalidCredentials       = errors.New("auth: invalid credentials")
	ErrInactiveAccount          = errors.New("auth: account is deactivated")
	ErrEmailTaken               = errors.New("auth: email already registered")
	ErrInvalidInput             = errors.New("auth: invalid input")
	ErrNotFound                 = errors.New("auth: not found")
)

// InputError carries a client-facing reason for rejected input. It unwraps to
// ErrInvalidInput.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return ErrInvalidInput.Error() + ": " + e.Reason }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalidInput(format string, args ...any) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}
