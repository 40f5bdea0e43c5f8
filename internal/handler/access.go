package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/middleware"
	"fleet-panel/internal/model"
	"fleet-panel/internal/permission"
)

const (
	serverContextKey = "server"
	accessContextKey = "access"
)

type ServerLookup interface {
	GetServerByRef(ctx context.Context, ref string) (model.Server, error)
}

// ServerAccess loads the :server route parameter and resolves the
// caller's permissions on it. Callers with no standing on the server get
// 404 so server ids cannot be enumerated.
type ServerAccess struct {
	Servers     ServerLookup
	Permissions *permission.Cache
	Logger      *slog.Logger
}

func (a *ServerAccess) Load() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		srv, err := a.Servers.GetServerByRef(c.Request.Context(), c.Param("server"))
		if err != nil {
			respondError(c, a.Logger, err)
			c.Abort()
			return
		}

		subject := permission.Subject{
			UserID:   id.UserID,
			ServerID: srv.ID,
			IsAdmin:  id.Role == model.RoleAdmin,
			IsOwner:  srv.OwnerID == id.UserID,
		}
		perms, member, err := a.Permissions.Membership(c.Request.Context(), subject)
		if err != nil {
			respondError(c, a.Logger, err)
			c.Abort()
			return
		}
		if !member {
			respondError(c, a.Logger, apperr.Wrap(apperr.ErrNotFound, "server not found"))
			c.Abort()
			return
		}

		c.Set(serverContextKey, srv)
		c.Set(accessContextKey, permission.Access{
			UserID:      id.UserID,
			ServerID:    srv.ID,
			IsAdmin:     subject.IsAdmin,
			IsOwner:     subject.IsOwner,
			Subuser:     !subject.IsAdmin && !subject.IsOwner,
			Permissions: perms,
		})
		c.Next()
	}
}

// Require aborts with 403 unless the caller holds perm on the loaded
// server. It must run after Load.
func Require(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		access, ok := accessFrom(c)
		if !ok || !access.Allows(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "You do not have permission to perform this action",
				"code":  apperr.ErrPermissionDenied.Code,
			})
			return
		}
		c.Next()
	}
}

func serverFrom(c *gin.Context) model.Server {
	v, _ := c.Get(serverContextKey)
	srv, _ := v.(model.Server)
	return srv
}

func accessFrom(c *gin.Context) (permission.Access, bool) {
	v, ok := c.Get(accessContextKey)
	if !ok {
		return permission.Access{}, false
	}
	access, ok := v.(permission.Access)
	return access, ok
}

func actorFrom(c *gin.Context) string {
	userID, _ := middleware.UserIDFromContext(c)
	return userID
}
