package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"stormcrm.dev/internal/store"
)

// Service implements registration, sign-in, refresh and account management
// on top of the storage abstraction and the token service.
type Service struct {
	store  store.Store
	tokens *Tokens
	now    func() time.Time

	selfAssignable []Role
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides the clock used for last-login stamps.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSelfAssignableRoles replaces the roles a caller may pick at registration.
func WithSelfAssignableRoles(roles ...Role) ServiceOption {
	return func(s *Service) {
		if len(roles) > 0 {
			s.selfAssignable = roles
		}
	}
}

// NewService constructs the account service.
func NewService(st store.Store, tokens *Tokens, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	s := &Service{
		store:          st,
		tokens:         tokens,
		now:            time.Now,
		selfAssignable: []Role{RoleSalesRep, RoleViewer},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tokens exposes the token service used by s.
func (s *Service) Tokens() *Tokens { return s.tokens }

// Registration is the input accepted by Register.
type Registration struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// Session is returned by Register, Login and Refresh.
type Session struct {
	Identity Identity  `json:"user"`
	Tokens   TokenPair `json:"tokens"`
}

// Register creates an active identity and signs it in. The role defaults to
// sales_rep; privileged roles can only be granted by an admin afterwards.
func (s *Service) Register(ctx context.Context, in Registration) (Session, error) {
	email := NormalizeEmail(in.Email)
	if !validEmail(email) {
		return Session{}, invalidInput("a valid email is required")
	}
	if err := ValidatePassword(in.Password); err != nil {
		return Session{}, err
	}
	role := RoleSalesRep
	if strings.TrimSpace(in.Role) != "" {
		r, ok := ParseRole(in.Role)
		if !ok {
			return Session{}, invalidInput("unknown role %q", in.Role)
		}
		if !Allowed(r, s.selfAssignable) {
			return Session{}, &PermissionError{Allowed: s.selfAssignable}
		}
		role = r
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}
	created, err := s.create(ctx, Identity{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		IsActive:     true,
	})
	if err != nil {
		return Session{}, err
	}
	return s.session(created)
}

func (s *Service) create(ctx context.Context, id Identity) (Identity, error) {
	var created Identity
	err := s.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		if _, err := findIdentityByEmail(ctx, q, id.Email); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		var err error
		created, err = insertIdentity(ctx, q, id)
		return err
	})
	return created, err
}

// Login verifies credentials and issues a fresh token pair. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	id, err := findIdentityByEmail(ctx, s.store, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := VerifyPassword(id.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	if !id.IsActive {
		return Session{}, ErrInactiveAccount
	}
	now := s.now().UTC()
	updated, err := updateIdentity(ctx, s.store, id.ID, store.Record{fieldLastLoginAt: now})
	if err != nil {
		return Session{}, err
	}
	return s.session(updated)
}

// Refresh exchanges a refresh token for a new pair. The role is re-read from
// the live account so demotions and deactivations take effect immediately.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.tokens.Verify(refreshToken, RefreshToken)
	if err != nil {
		return Session{}, err
	}
	id, err := findIdentity(ctx, s.store, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrAuthenticationFailed
		}
		return Session{}, err
	}
	if !id.IsActive {
		return Session{}, ErrInactiveAccount
	}
	return s.session(id)
}

func (s *Service) session(id Identity) (Session, error) {
	pair, err := s.tokens.IssuePair(id.Summary())
	if err != nil {
		return Session{}, err
	}
	return Session{Identity: id, Tokens: pair}, nil
}

// Profile loads the live account behind an authenticated identity.
func (s *Service) Profile(ctx context.Context, id string) (Identity, error) {
	return findIdentity(ctx, s.store, id)
}

// ListIdentities returns every account, newest first.
func (s *Service) ListIdentities(ctx context.Context) ([]Identity, error) {
	return listIdentities(ctx, s.store)
}

// IdentityUpdate carries the optional fields an admin may change.
type IdentityUpdate struct {
	Role      *string `json:"role"`
	IsActive  *bool   `json:"is_active"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

// UpdateIdentity applies an admin edit. Accounts are deactivated, never deleted.
func (s *Service) UpdateIdentity(ctx context.Context, id string, in IdentityUpdate) (Identity, error) {
	values := store.Record{}
	if in.Role != nil {
		r, ok := ParseRole(*in.Role)
		if !ok {
			return Identity{}, invalidInput("unknown role %q", *in.Role)
		}
		values[fieldRole] = string(r)
	}
	if in.IsActive != nil {
		values[fieldIsActive] = *in.IsActive
	}
	if in.FirstName != nil {
		values[fieldFirstName] = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		values[fieldLastName] = strings.TrimSpace(*in.LastName)
	}
	if len(values) == 0 {
		return Identity{}, invalidInput("nothing to update")
	}
	var updated Identity
	err := s.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		if _, err := findIdentity(ctx, q, id); err != nil {
			return err
		}
		var err error
		updated, err = updateIdentity(ctx, q, id, values)
		return err
	})
	return updated, err
}

// EnsureAdmin creates an admin account for email unless one already exists.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = NormalizeEmail(email)
	if !validEmail(email) {
		return false, invalidInput("a valid admin email is required")
	}
	if _, err := findIdentityByEmail(ctx, s.store, email); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := ValidatePassword(password); err != nil {
		return false, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	if _, err := s.create(ctx, Identity{Email: email, PasswordHash: hash, Role: RoleAdmin, IsActive: true}); err != nil {
		return false, err
	}
	return true, nil
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
