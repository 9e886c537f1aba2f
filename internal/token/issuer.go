// Package token mints the short-lived capability credential clients use
// to open a realtime session.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/jfarrow/channelchat/internal/config"
	"github.com/jfarrow/channelchat/internal/identity"
)

var ErrNoSigningKey = errors.New("realtime signing key is not configured")

const tokenTTL = time.Hour

// Capability maps a channel name to the operations permitted on it.
type Capability map[string][]string

// Issuer signs capability tokens for the realtime transport. The key is
// in "app-id:secret" form; the app id travels in the token header so
// the transport can locate the verification key.
type Issuer struct {
	appId    string
	secret   []byte
	channels []config.Channel
}

func NewIssuer(realtimeKey string, channels []config.Channel) (*Issuer, error) {
	if realtimeKey == "" {
		return nil, ErrNoSigningKey
	}

	appId, secret, found := strings.Cut(realtimeKey, ":")
	if !found || appId == "" || secret == "" {
		return nil, fmt.Errorf("realtime key must be in app-id:secret form")
	}

	return &Issuer{
		appId:    appId,
		secret:   []byte(secret),
		channels: channels,
	}, nil
}

// CapabilityFor computes the grant for an identity. Moderators get
// everything; regular users get the full operation set per configured
// channel minus publish on read-only channels.
func (i *Issuer) CapabilityFor(id identity.Identity) Capability {
	if id.IsModerator {
		return Capability{"*": {"*"}}
	}

	capability := make(Capability, len(i.channels))
	for _, ch := range i.channels {
		if ch.ReadOnly {
			capability["chat:"+ch.Name] = []string{"subscribe", "presence", "history"}
		} else {
			capability["chat:"+ch.Name] = []string{"subscribe", "publish", "presence", "history"}
		}
	}

	return capability
}

// Issue returns a signed token embedding the identity and its grant,
// expiring one hour from issuance.
func (i *Issuer) Issue(id identity.Identity) (string, error) {
	if id.Id == "" {
		return "", identity.ErrUnauthenticated
	}

	capability, err := json.Marshal(i.CapabilityFor(id))
	if err != nil {
		return "", fmt.Errorf("marshal capability: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"x-capability": string(capability),
		"x-client-id":  id.Id,
		"iat":          now.Unix(),
		"exp":          now.Add(tokenTTL).Unix(),
	})
	token.Header["kid"] = i.appId

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Verify parses a token issued by this issuer and returns the client id
// and capability grant. Used by the in-process hub to authorize
// websocket sessions.
func (i *Issuer) Verify(tokenString string) (string, Capability, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, fmt.Errorf("invalid token claims")
	}

	clientId, ok := claims["x-client-id"].(string)
	if !ok || clientId == "" {
		return "", nil, fmt.Errorf("missing client id claim")
	}

	rawCapability, ok := claims["x-capability"].(string)
	if !ok {
		return "", nil, fmt.Errorf("missing capability claim")
	}

	var capability Capability
	if err := json.Unmarshal([]byte(rawCapability), &capability); err != nil {
		return "", nil, fmt.Errorf("unmarshal capability: %w", err)
	}

	return clientId, capability, nil
}

// Allows reports whether the grant permits an operation on a channel.
func (c Capability) Allows(channel, op string) bool {
	for _, scope := range []string{"*", "chat:" + channel} {
		ops, ok := c[scope]
		if !ok {
			continue
		}
		for _, o := range ops {
			if o == "*" || o == op {
				return true
			}
		}
	}
	return false
}
