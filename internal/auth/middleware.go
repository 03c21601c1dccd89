package auth

import (
	"net/http"
	"strings"

	"chatcore/internal/apperr"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// Authenticator validates access tokens at connection-open and REST time.
// Access tokens are never checked against the store.
type Authenticator struct {
	tokens *Tokens
}

func NewAuthenticator(tokens *Tokens) *Authenticator {
	return &Authenticator{tokens: tokens}
}

func (a *Authenticator) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.ErrMissingToken
	}
	claims, err := a.tokens.ParseAccess(token)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

// ExtractBearer finds the token in the Authorization header, the token query
// parameter, or a "bearer.<token>" WebSocket subprotocol, in that order.
func ExtractBearer(r *http.Request) string {
	if tok := stripScheme(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if tok := stripScheme(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	for _, proto := range websocketProtocols(r) {
		if strings.HasPrefix(strings.ToLower(proto), "bearer.") {
			return proto[len("bearer."):]
		}
	}
	return ""
}

func stripScheme(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		v = v[7:]
	}
	return strings.TrimSpace(v)
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Middleware rejects requests without a valid access token with a uniform 401.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Authenticate(ExtractBearer(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok2 := v.(Identity); ok2 {
			return id
		}
	}
	return Identity{}
}

func GetUserID(c *gin.Context) uint {
	return GetIdentity(c).UserID
}
