// Package identity resolves who is talking on a chat connection.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"resortchat/internal/domain/chat"
)

var (
	ErrTokenMissing = errors.New("identity: bearer token missing")
	ErrUserMissing  = errors.New("identity: user id missing")
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Identity is an authenticated participant.
type Identity struct {
	UserID string
	Role   chat.Role
	Token  string
}

// Validate checks that the identity can open a realtime connection.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.Token) == "" {
		return ErrTokenMissing
	}
	if strings.TrimSpace(i.UserID) == "" {
		return ErrUserMissing
	}
	if !i.Role.Valid() {
		return fmt.Errorf("%w: %q", chat.ErrInvalidRole, i.Role)
	}
	return nil
}

// Provider yields the current identity.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Static always returns the same identity.
type Static Identity

func (s Static) Identity(ctx context.Context) (Identity, error) {
	id := Identity(s)
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Claims are the JWT claims shared by the gateway and its clients.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 tokens.
type Issuer struct {
	Secret []byte
	TTL    time.Duration
	Name   string
}

func (i Issuer) Issue(userID string, role chat.Role, now time.Time) (string, error) {
	if len(i.Secret) == 0 {
		return "", errors.New("identity: signing secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", ErrUserMissing
	}
	if !role.Valid() {
		return "", chat.ErrInvalidRole
	}
	if now.IsZero() {
		now = time.Now()
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// Verifier validates HS256 tokens issued by Issuer.
type Verifier struct {
	Secret []byte
}

func (v Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrTokenMissing
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsIdentity(claims, token)
}

// TokenProvider derives the identity from a stored bearer token. The client cannot
// verify the signature; the gateway does that on every connection and request.
type TokenProvider struct {
	Source func(ctx context.Context) (string, error)
}

func (p TokenProvider) Identity(ctx context.Context) (Identity, error) {
	if p.Source == nil {
		return Identity{}, ErrTokenMissing
	}
	token, err := p.Source(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: load token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrTokenMissing
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsIdentity(claims, token)
}

func claimsIdentity(claims Claims, token string) (Identity, error) {
	role, err := chat.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{UserID: claims.Subject, Role: role, Token: token}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
