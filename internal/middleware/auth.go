package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleet-panel/internal/auth"
	"fleet-panel/internal/model"
)

const (
	userIDContextKey    = "userID"
	sessionIDContextKey = "sessionID"
	roleContextKey      = "role"
)

// Sessions reports whether a session is still live and who owns it.
// GetSession fails for revoked and expired sessions.
type Sessions interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetUserByID(ctx context.Context, id string) (model.User, error)
}

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// IdentityFromContext returns the caller set by RequireAuth.
func IdentityFromContext(c *gin.Context) (auth.Identity, bool) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		return auth.Identity{}, false
	}
	return auth.Identity{
		UserID:    userID,
		SessionID: c.GetString(sessionIDContextKey),
		Role:      c.GetString(roleContextKey),
	}, true
}

func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	// Browsers cannot set headers on a websocket handshake.
	if websocket.IsWebSocketUpgrade(c.Request) {
		return c.Query("token")
	}
	return ""
}

// RequireAuth accepts a bearer JWT whose session still exists. The role
// comes from the user row, so a demotion applies to tokens already issued.
func RequireAuth(cfg auth.TokenConfig, sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		role := claims.Role
		if sessions != nil {
			sess, err := sessions.GetSession(c.Request.Context(), claims.SessionID)
			if err != nil || sess.UserID != claims.UserID {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session revoked or expired"})
				return
			}
			user, err := sessions.GetUserByID(c.Request.Context(), claims.UserID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session revoked or expired"})
				return
			}
			role = user.Role
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(sessionIDContextKey, claims.SessionID)
		c.Set(roleContextKey, role)
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(roleContextKey) != model.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Administrator access required"})
			return
		}
		c.Next()
	}
}
