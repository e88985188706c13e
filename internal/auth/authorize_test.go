package auth

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

func TestRequireRoleRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		var allowed []Role
		for _, r := range Roles {
			if rng.Intn(2) == 0 {
				allowed = append(allowed, r)
			}
		}
		role := Roles[rng.Intn(len(Roles))]
		ctx := ContextWithIdentity(context.Background(), Summary{ID: "u", Email: "u@example.com", Role: role})

		want := false
		for _, r := range allowed {
			if r == role {
				want = true
			}
		}
		_, err := RequireRole(ctx, allowed...)
		if want && err != nil {
			t.Fatalf("role %s with allow-list %v: unexpected error %v", role, allowed, err)
		}
		if !want {
			var perr *PermissionError
			if !errors.As(err, &perr) || !errors.Is(err, ErrInsufficientPermissions) {
				t.Fatalf("role %s with allow-list %v: expected permission error, got %v", role, allowed, err)
			}
			if len(perr.Allowed) != len(allowed) {
				t.Fatalf("allow-list not reported: %v", perr.Allowed)
			}
		}
	}
}

func TestRequireRoleNeedsIdentity(t *testing.T) {
	if _, err := RequireRole(context.Background(), RoleAdmin); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestRequireOwnerOrAdmin(t *testing.T) {
	owner := func(id string) OwnerResolver {
		return func(context.Context) (string, error) { return id, nil }
	}
	rep := ContextWithIdentity(context.Background(), Summary{ID: "rep-1", Role: RoleSalesRep})
	manager := ContextWithIdentity(context.Background(), Summary{ID: "mgr-1", Role: RoleManager})
	admin := ContextWithIdentity(context.Background(), Summary{ID: "adm-1", Role: RoleAdmin})

	if _, err := RequireOwnerOrAdmin(rep, owner("rep-1")); err != nil {
		t.Fatalf("owner denied: %v", err)
	}
	if _, err := RequireOwnerOrAdmin(rep, owner("rep-2")); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}
	if _, err := RequireOwnerOrAdmin(manager, owner("rep-2")); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("manager is not an admin: %v", err)
	}
	if _, err := RequireOwnerOrAdmin(rep, owner("")); !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("unowned resource must deny: %v", err)
	}

	called := false
	_, err := RequireOwnerOrAdmin(admin, func(context.Context) (string, error) {
		called = true
		return "", errors.New("boom")
	})
	if err != nil || called {
		t.Fatalf("admin must bypass resolution: err=%v called=%v", err, called)
	}
}

func TestRequireOwnerOrAdminResolutionFailure(t *testing.T) {
	rep := ContextWithIdentity(context.Background(), Summary{ID: "rep-1", Role: RoleSalesRep})
	lookup := errors.New("lead not found")
	_, err := RequireOwnerOrAdmin(rep, func(context.Context) (string, error) { return "", lookup })
	if !errors.Is(err, ErrAuthorizationCheckFailed) || !errors.Is(err, lookup) {
		t.Fatalf("expected wrapped ErrAuthorizationCheckFailed, got %v", err)
	}
	if errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("resolution failure conflated with denial")
	}
	if _, err := RequireOwnerOrAdmin(context.Background(), nil); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}
