package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "stormcrm"
	defaultAccessTTL  = 7 * 24 * time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// TokenKind selects which secret a token is verified against.
type TokenKind int

const (
	AccessToken TokenKind = iota
	RefreshToken
)

func (k TokenKind) String() string {
	if k == RefreshToken {
		return "refresh"
	}
	return "access"
}

// Claims is the signed payload. Role is only present on access tokens so a
// refresh always re-derives privileges from the live account.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Summary returns the identity carried by the claims.
func (c *Claims) Summary() Summary {
	return Summary{ID: c.ID, Email: c.Email, Role: c.Role}
}

// TokenPair is what login, registration and refresh hand back to clients.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Tokens issues and verifies stateless HS256 session tokens. Access and
// refresh tokens are signed with different secrets, both loaded once at
// startup. Rotating either secret invalidates every outstanding token signed
// with the old value; clients must sign in again. That is the intended way
// to force a global logout.
type Tokens struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *Tokens) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(t *Tokens) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(t *Tokens) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokens constructs the token service from the two signing secrets.
func NewTokens(accessSecret, refreshSecret string, opts ...TokenOption) (*Tokens, error) {
	if strings.TrimSpace(accessSecret) == "" || strings.TrimSpace(refreshSecret) == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	t := &Tokens{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		issuer:        defaultIssuer,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// IssueAccessToken signs {id, email, role} with the access secret.
func (t *Tokens) IssueAccessToken(s Summary) (string, time.Time, error) {
	return t.sign(s, s.Role, t.accessSecret, t.accessTTL)
}

// IssueRefreshToken signs {id, email} with the refresh secret. The role is
// deliberately omitted.
func (t *Tokens) IssueRefreshToken(s Summary) (string, time.Time, error) {
	return t.sign(s, "", t.refreshSecret, t.refreshTTL)
}

// IssuePair issues a fresh access and refresh token for s.
func (t *Tokens) IssuePair(s Summary) (TokenPair, error) {
	access, accessExp, err := t.IssueAccessToken(s)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := t.IssueRefreshToken(s)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (t *Tokens) sign(s Summary, role Role, secret []byte, ttl time.Duration) (string, time.Time, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return "", time.Time{}, invalidInput("subject id is required")
	}
	now := t.now().UTC()
	claims := Claims{
		ID:    id,
		Email: s.Email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks token against the secret for kind.
func (t *Tokens) Verify(token string, kind TokenKind) (*Claims, error) {
	secret := t.accessSecret
	if kind == RefreshToken {
		secret = t.refreshSecret
	}
	claims, err := verify(token, secret, t.now(), t.issuer)
	if err != nil {
		return nil, err
	}
	if kind == RefreshToken && claims.Role != "" {
		return nil, fmt.Errorf("%w: refresh token carries a role", ErrMalformedToken)
	}
	return claims, nil
}

// VerifyWithSecret validates an HS256 token against secret at instant now.
// It fails with ErrExpiredToken whenever the payload decodes and its expiry
// has passed, even if the signature would not validate, and with
// ErrMalformedToken for every other defect.
func VerifyWithSecret(token string, secret []byte, now time.Time) (*Claims, error) {
	return verify(token, secret, now, "")
}

func verify(token string, secret []byte, now time.Time, issuer string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	var peek Claims
	if _, _, err := parser.ParseUnverified(token, &peek); err == nil {
		if peek.ExpiresAt != nil && now.After(peek.ExpiresAt.Time) {
			return nil, ErrExpiredToken
		}
	}

	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.ID) == "" || claims.Subject != claims.ID {
		return nil, ErrMalformedToken
	}
	if claims.Role != "" && !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedToken, claims.Role)
	}
	return &claims, nil
}
