package ginserver

import (
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"resortchat/internal/infra/identity"
)

const identityContextKey = "resortchat.identity"

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (identity.Identity, error)
}

type AuthMiddleware struct {
	Verifier TokenVerifier
	Logger   *slog.Logger
}

// Handle resolves the caller from the Authorization header, or the token query
// parameter for socket upgrades that cannot set headers.
func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" || m.Verifier == nil {
		c.Next()
		return
	}
	ident, err := m.Verifier.Verify(token)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	c.Set(identityContextKey, ident)
	c.Set("user_id", ident.UserID)
	c.Next()
}

func currentIdentity(c *gin.Context) (identity.Identity, bool) {
	val, exists := c.Get(identityContextKey)
	if !exists {
		return identity.Identity{}, false
	}
	ident, ok := val.(identity.Identity)
	return ident, ok
}

func requireIdentity(c *gin.Context) (identity.Identity, bool) {
	ident, ok := currentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return identity.Identity{}, false
	}
	return ident, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
