// Package auth turns a bearer token into the Actor driving a call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/models"
)

// Claims carries the caller role next to the standard subject.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var callerRoles = map[models.Role]bool{
	models.RoleClient:  true,
	models.RoleWorker:  true,
	models.RolePartner: true,
	models.RoleAdmin:   true,
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates an HS256 token and returns its actor. The system role
// cannot be claimed by a token.
func (v *Verifier) Parse(token string) (models.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, &apperr.UnauthorizedError{Err: err}
	}
	if claims.Subject == "" {
		return models.Actor{}, &apperr.UnauthorizedError{Err: errors.New("token has no subject")}
	}
	role := models.Role(claims.Role)
	if !callerRoles[role] {
		return models.Actor{}, &apperr.UnauthorizedError{Err: fmt.Errorf("role %q not allowed", claims.Role)}
	}
	return models.Actor{ID: claims.Subject, Role: role}, nil
}

// FromHeader resolves an Authorization header. An empty header is an
// anonymous caller identified by its address.
func (v *Verifier) FromHeader(header, remoteAddr string) (models.Actor, error) {
	if header == "" {
		return Anonymous(remoteAddr), nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return models.Actor{}, &apperr.UnauthorizedError{Err: errors.New("expected a bearer token")}
	}
	return v.Parse(token)
}

// Issue signs a token for id, for tooling and tests.
func (v *Verifier) Issue(id string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func Anonymous(remoteAddr string) models.Actor {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return models.Actor{ID: "ip:" + host, Role: models.RoleAnonymous}
}

type ctxKey struct{}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom returns the actor stored by WithActor, or an anonymous one.
func ActorFrom(ctx context.Context) models.Actor {
	if a, ok := ctx.Value(ctxKey{}).(models.Actor); ok {
		return a
	}
	return models.Actor{ID: "ip:unknown", Role: models.RoleAnonymous}
}
