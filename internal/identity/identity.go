// Package identity adapts the upstream identity provider to the rest of
// the application. The provider itself is external; this package only
// verifies the session credential it issued and exposes the resolved
// caller.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
)

var ErrUnauthenticated = errors.New("no authenticated identity")

const tokenCookieKey = "session"

type Identity struct {
	Id          string
	Username    string
	AvatarUrl   string
	IsModerator bool
}

type Provider interface {
	Resolve(r *http.Request) (Identity, error)
}

// TokenProvider resolves the caller from a signed session token, read
// from the session cookie or an Authorization bearer header.
type TokenProvider struct {
	signingKey []byte
}

func NewTokenProvider(signingKey []byte) *TokenProvider {
	return &TokenProvider{signingKey: signingKey}
}

func (p *TokenProvider) Resolve(r *http.Request) (Identity, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		cookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			return Identity{}, ErrUnauthenticated
		}
		tokenString = cookie.Value
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return p.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}

	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject claim", ErrUnauthenticated)
	}

	id := Identity{Id: sub}
	if username, ok := claims["username"].(string); ok {
		id.Username = username
	}
	if avatarUrl, ok := claims["avatar_url"].(string); ok {
		id.AvatarUrl = avatarUrl
	}
	if isMod, ok := claims["is_mod"].(bool); ok {
		id.IsModerator = isMod
	}

	return id, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
