// Package auth resolves the user acting on a request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"arcstore/internal/arc"
	"arcstore/internal/config"
	"arcstore/internal/secret"
)

// ErrUnauthenticated is returned for a missing or invalid token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns a bearer token into the acting user.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*arc.User, error)
}

// SingleUser ignores the token and always acts as one configured user.
// The user is stored on first use so grants and audiences resolve.
type SingleUser struct {
	user  arc.User
	users *arc.Users
}

var _ Resolver = (*SingleUser)(nil)

func NewSingleUser(users *arc.Users, key, name string) *SingleUser {
	if name == "" {
		name = key
	}
	return &SingleUser{user: arc.User{Key: key, Name: name}, users: users}
}

func (s *SingleUser) Resolve(ctx context.Context, _ string) (*arc.User, error) {
	u := s.user
	if err := upsert(ctx, s.users, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Claims are the token claims that describe a user. The subject is the
// user key.
type Claims struct {
	jwt.RegisteredClaims
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// JWT verifies HS256 tokens and keeps the users store in step with their
// claims.
type JWT struct {
	secret []byte
	issuer string
	users  *arc.Users
	clock  arc.Clock
}

var _ Resolver = (*JWT)(nil)

func NewJWT(secret []byte, issuer string, users *arc.Users, clock arc.Clock) *JWT {
	return &JWT{secret: secret, issuer: issuer, users: users, clock: clock}
}

func (j *JWT) Resolve(ctx context.Context, token string) (*arc.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	u := &arc.User{
		Key:    claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
		Groups: claims.Groups,
	}
	if u.Name == "" {
		u.Name = u.Key
	}
	if err := upsert(ctx, j.users, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Issue signs a token for user valid for ttl.
func (j *JWT) Issue(user *arc.User, ttl time.Duration) (string, error) {
	now := j.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Key,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:   user.Name,
		Email:  user.Email,
		Groups: user.Groups,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// upsert stores u unless an identical record is already there.
func upsert(ctx context.Context, users *arc.Users, u *arc.User) error {
	existing, err := users.Read(ctx, u.Key)
	switch {
	case err == nil:
		if existing.Name == u.Name && existing.Email == u.Email && existing.Picture == u.Picture &&
			slices.Equal(existing.Groups, u.Groups) {
			return nil
		}
	case !errors.Is(err, arc.ErrNotFound):
		return fmt.Errorf("reading user %s: %w", u.Key, err)
	}
	if err := users.Put(ctx, u); err != nil {
		return fmt.Errorf("storing user %s: %w", u.Key, err)
	}
	return nil
}

// NewFromConfig creates a resolver based on the auth config type. A jwt
// secret_param is looked up through secrets.
func NewFromConfig(ctx context.Context, cfg config.AuthConfig, secrets secret.Resolver, users *arc.Users, clock arc.Clock) (Resolver, error) {
	switch cfg.Type {
	case "", "none":
		if cfg.DefaultUser == "" {
			return nil, fmt.Errorf("default_user required for auth type none")
		}
		return NewSingleUser(users, cfg.DefaultUser, cfg.DefaultUserName), nil
	case "jwt":
		key := cfg.Secret
		if key == "" && cfg.SecretParam != "" {
			v, err := secrets.Lookup(ctx, cfg.SecretParam)
			if err != nil {
				return nil, fmt.Errorf("resolving jwt secret: %w", err)
			}
			key = v
		}
		if key == "" {
			return nil, fmt.Errorf("secret or secret_param required for auth type jwt")
		}
		return NewJWT([]byte(key), cfg.Issuer, users, clock), nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}
