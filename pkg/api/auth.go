package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalKind classifies callers
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindNode  PrincipalKind = "node"
	KindAdmin PrincipalKind = "admin"
)

// Principal is the authenticated identity attached to a request
type Principal struct {
	ID   string
	Kind PrincipalKind
}

// ErrBadToken is returned by authenticators for unknown credentials
var ErrBadToken = errors.New("unknown token")

// Authenticator resolves a bearer token to a principal. The production
// wallet-based identity layer plugs in behind this interface; the static
// table below serves deployments configured from file.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// StaticAuthenticator resolves tokens from a fixed table
type StaticAuthenticator struct {
	tokens map[string]Principal
}

// NewStaticAuthenticator builds an authenticator from token -> "kind:id"
// entries, e.g. "s3cret" -> "user:alice".
func NewStaticAuthenticator(entries map[string]string) (*StaticAuthenticator, error) {
	tokens := make(map[string]Principal, len(entries))
	for token, v := range entries {
		kind, id, ok := strings.Cut(v, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("auth token entry %q: want kind:id", v)
		}
		switch PrincipalKind(kind) {
		case KindUser, KindNode, KindAdmin:
		default:
			return nil, fmt.Errorf("auth token entry %q: unknown kind %q", v, kind)
		}
		tokens[token] = Principal{ID: id, Kind: PrincipalKind(kind)}
	}
	return &StaticAuthenticator{tokens: tokens}, nil
}

// Authenticate implements Authenticator
func (a *StaticAuthenticator) Authenticate(token string) (Principal, error) {
	p, ok := a.tokens[token]
	if !ok {
		return Principal{}, ErrBadToken
	}
	return p, nil
}

const principalKey = "principal"

// authMiddleware resolves the bearer token and stores the principal on the
// request context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			failWith(c, 401, CodeUnauthenticated, "missing bearer token")
			c.Abort()
			return
		}
		p, err := s.auth.Authenticate(token)
		if err != nil {
			failWith(c, 401, CodeUnauthenticated, "invalid token")
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// requireKind rejects principals outside the allowed kinds. Admin always
// passes.
func requireKind(kinds ...PrincipalKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		if p.Kind == KindAdmin {
			c.Next()
			return
		}
		for _, k := range kinds {
			if p.Kind == k {
				c.Next()
				return
			}
		}
		failWith(c, 403, CodeForbidden, "insufficient privileges")
		c.Abort()
	}
}

func principal(c *gin.Context) Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(Principal)
	return p
}
