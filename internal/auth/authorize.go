package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// PermissionError is returned by the role gate. It unwraps to
// ErrInsufficientPermissions and keeps the allow-list for the response body.
type PermissionError struct {
	Allowed []Role
}

func (e *PermissionError) Error() string {
	if len(e.Allowed) == 0 {
		return ErrInsufficientPermissions.Error()
	}
	names := make([]string, len(e.Allowed))
	for i, r := range e.Allowed {
		names[i] = string(r)
	}
	return fmt.Sprintf("%s: requires one of [%s]", ErrInsufficientPermissions, strings.Join(names, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrInsufficientPermissions }

// Allowed reports whether role is a member of allowed.
func Allowed(role Role, allowed []Role) bool {
	return slices.Contains(allowed, role)
}

// RequireRole permits the caller only when its role is in allowed.
func RequireRole(ctx context.Context, allowed ...Role) (Summary, error) {
	caller, ok := IdentityFromContext(ctx)
	if !ok {
		return Summary{}, ErrAuthenticationRequired
	}
	if !Allowed(caller.Role, allowed) {
		return Summary{}, &PermissionError{Allowed: slices.Clone(allowed)}
	}
	return caller, nil
}

// OwnerResolver returns the id of the identity owning the resource a request targets.
type OwnerResolver func(ctx context.Context) (ownerID string, err error)

// RequireOwnerOrAdmin lets admins through unconditionally and everyone else
// only when they own the resource. A resolver failure, including a missing
// resource, is reported as ErrAuthorizationCheckFailed rather than a denial.
func RequireOwnerOrAdmin(ctx context.Context, resolve OwnerResolver) (Summary, error) {
	caller, ok := IdentityFromContext(ctx)
	if !ok {
		return Summary{}, ErrAuthenticationRequired
	}
	if caller.IsAdmin() {
		return caller, nil
	}
	ownerID, err := resolve(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrAuthorizationCheckFailed, err)
	}
	if ownerID == "" || ownerID != caller.ID {
		return Summary{}, ErrInsufficientPermissions
	}
	return caller, nil
}
