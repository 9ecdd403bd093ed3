package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when the supplied session token cannot be
// resolved to a principal.
var ErrInvalidToken = errors.New("identity: invalid token")

// Principal is a caller's stable identity as resolved by the session
// provider. Admin marks the opaque platform capability used by operational
// endpoints; the engine never models a role hierarchy.
type Principal struct {
	Subject string
	Admin   bool
}

// Resolver resolves an opaque caller token to a principal. The engine never
// authenticates callers itself.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// JWTResolver validates HMAC-signed session tokens issued by the identity
// provider. The subject claim carries the principal identifier and the
// boolean "admin" claim carries the platform capability.
type JWTResolver struct {
	secret []byte
	issuer string
	skew   time.Duration
	nowFn  func() time.Time
}

// NewJWTResolver constructs a resolver for the shared HMAC secret. Issuer is
// enforced when non-empty.
func NewJWTResolver(secret, issuer string, skew time.Duration) *JWTResolver {
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &JWTResolver{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: strings.TrimSpace(issuer),
		skew:   skew,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the validation clock. Primarily intended for tests.
func (r *JWTResolver) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = time.Now
		return
	}
	r.nowFn = now
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(r.secret) == 0 {
		return Principal{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(r.skew),
		jwt.WithTimeFunc(r.nowFn),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	admin, _ := claims["admin"].(bool)
	return Principal{Subject: strings.TrimSpace(subject), Admin: admin}, nil
}

// StaticResolver maps literal tokens to principals. Used by tests and local
// development fixtures.
type StaticResolver map[string]Principal

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, token string) (Principal, error) {
	principal, ok := r[strings.TrimSpace(token)]
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	return principal, nil
}
