package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"breakdown-service-backend/internal/lifecycle"
)

const actorKey = "mw.actor"

// Claims carries the verified identity of the caller. Authentication itself
// happens upstream; this service only checks the capability token and resolves
// the role once, so transition logic never has to infer it.
type Claims struct {
	Role       string `json:"role"`
	ProviderID string `json:"providerId,omitempty"`
	MechanicID string `json:"mechanicId,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies the bearer token and stores the resulting actor on the
// context. Requests without a valid token are rejected with 401.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromRequest(c.Request, secret)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// OptionalAuth resolves the actor when a valid token is present but lets the
// request through either way. Used on the websocket endpoint, where identity
// only narrows which rooms a join may claim.
func OptionalAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor, ok := actorFromRequest(c.Request, secret); ok {
			c.Set(actorKey, actor)
		}
		c.Next()
	}
}

// ActorFrom returns the actor resolved by Auth.
func ActorFrom(c *gin.Context) (lifecycle.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return lifecycle.Actor{}, false
	}
	actor, ok := v.(lifecycle.Actor)
	return actor, ok
}

// ActorFromToken parses a bearer token outside the gin pipeline (the
// websocket upgrade path goes through net/http directly).
func ActorFromToken(r *http.Request, secret []byte) (lifecycle.Actor, bool) {
	return actorFromRequest(r, secret)
}

func actorFromRequest(r *http.Request, secret []byte) (lifecycle.Actor, bool) {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return lifecycle.Actor{}, false
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !token.Valid {
		return lifecycle.Actor{}, false
	}

	role := lifecycle.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return lifecycle.Actor{}, false
	}
	return lifecycle.Actor{
		UserID:     claims.Subject,
		Role:       role,
		ProviderID: claims.ProviderID,
		MechanicID: claims.MechanicID,
	}, true
}
