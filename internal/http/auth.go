package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	errNoIdentity      = errors.New("missing identity")
	errInvalidIdentity = errors.New("invalid identity")
)

// Claims are issued by the auth service. Subject carries the rider or
// driver id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller's identity. With a secret it validates
// HS256 bearer tokens; without one it trusts the X-User-ID and X-User-Role
// headers set by an upstream gateway.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Identify(r *http.Request) (models.Actor, error) {
	if len(a.secret) == 0 {
		return actorFrom(r.Header.Get("X-User-Role"), r.Header.Get("X-User-ID"))
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		// browsers cannot set headers on a websocket handshake
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return models.Actor{}, errNoIdentity
	}
	claims, err := a.Parse(raw)
	if err != nil {
		return models.Actor{}, err
	}
	return actorFrom(claims.Role, claims.Subject)
}

func (a *Authenticator) Parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidIdentity, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errInvalidIdentity
	}
	return claims, nil
}

// Sign issues a token; used by tests and local tooling.
func (a *Authenticator) Sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

func actorFrom(role, id string) (models.Actor, error) {
	if role == "" && id == "" {
		return models.Actor{}, errNoIdentity
	}
	act := models.Actor{Role: models.ActorRole(strings.ToLower(role)), ID: id}
	switch act.Role {
	case models.ActorRider, models.ActorDriver:
		if act.ID == "" {
			return models.Actor{}, fmt.Errorf("%w: empty subject", errInvalidIdentity)
		}
	case models.ActorSystem:
	default:
		return models.Actor{}, fmt.Errorf("%w: role %q", errInvalidIdentity, role)
	}
	return act, nil
}
