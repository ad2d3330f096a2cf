// Package identity turns bearer tokens into authenticated identities.
package identity

import (
	"strings"
	"time"

	"dateper-messaging/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carries the identity under "userId", tokens issued elsewhere may only set "sub"
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Provider validates HS256 tokens signed with a shared secret
type Provider struct {
	secret []byte
	now    func() time.Time
}

func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret), now: time.Now}
}

// Identify returns the identity of a valid token
func (p *Provider) Identify(token string) (uuid.UUID, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return uuid.Nil, apperr.ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return uuid.Nil, apperr.ErrInvalidToken
	}

	claims := parsed.Claims.(*Claims)
	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}

	id, err := uuid.Parse(subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apperr.ErrInvalidToken
	}
	return id, nil
}

// Issue signs a token for id valid for ttl, zero ttl means no expiry
func (p *Provider) Issue(id uuid.UUID, ttl time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		UserID: id.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
