package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/model"
	"fleet-panel/internal/permission"
)

type SubuserRepository interface {
	GetUserByID(ctx context.Context, id string) (model.User, error)
	GetSubuser(ctx context.Context, serverID, userID string) (model.Subuser, error)
	ListSubusers(ctx context.Context, serverID string) ([]model.Subuser, error)
	UpsertSubuser(ctx context.Context, serverID, userID string, perms permission.Set) (model.Subuser, error)
	DeleteSubuser(ctx context.Context, serverID, userID string) error
}

// Disconnector closes a user's live connections to a server.
type Disconnector interface {
	Disconnect(serverID, userID string) int
}

type SubuserHandler struct {
	Repo        SubuserRepository
	Permissions *permission.Cache
	Sockets     Disconnector
	Audit       audit.Sink
	Logger      *slog.Logger
}

type putSubuserBody struct {
	Permissions []string `json:"permissions"`
}

func subuserJSON(s model.Subuser) gin.H {
	return gin.H{
		"id":          s.ID,
		"userId":      s.UserID,
		"permissions": s.Permissions,
		"createdAt":   s.CreatedAt,
		"updatedAt":   s.UpdatedAt,
	}
}

func (h *SubuserHandler) List(c *gin.Context) {
	list, err := h.Repo.ListSubusers(c.Request.Context(), serverFrom(c).ID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, s := range list {
		out = append(out, subuserJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"subusers": out})
}

// effectiveGrants is what a stored grant list resolves to: an empty list
// means the default baseline.
func effectiveGrants(perms permission.Set) permission.Set {
	if perms.Empty() {
		return permission.NewSet(permission.DefaultSubuser...)
	}
	return perms
}

// checkGrants refuses when a subuser caller lacks any of perms' effective
// grants.
func checkGrants(access permission.Access, perms permission.Set, verb string) error {
	if !access.Subuser {
		return nil
	}
	for _, p := range effectiveGrants(perms).List() {
		if !access.Allows(p) {
			return apperr.Wrap(apperr.ErrPermissionDenied, "cannot %s %s", verb, p)
		}
	}
	return nil
}

// checkTarget refuses a subuser caller editing someone who currently holds
// more than the caller does.
func (h *SubuserHandler) checkTarget(c *gin.Context, access permission.Access, serverID, target string) (bool, error) {
	current, err := h.Repo.GetSubuser(c.Request.Context(), serverID, target)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, checkGrants(access, permission.NewSet(current.Permissions...), "modify a subuser holding")
}

// Put creates or replaces the grants of :user. Subusers may only hand out
// permissions they hold themselves, may only edit subusers whose grants
// they also hold, and may not edit their own grants.
func (h *SubuserHandler) Put(c *gin.Context) {
	var body putSubuserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	srv := serverFrom(c)
	access, _ := accessFrom(c)
	target := c.Param("user")

	if target == srv.OwnerID {
		respondError(c, h.Logger, apperr.Wrap(apperr.ErrInvalidInput, "the server owner cannot be a subuser"))
		return
	}
	if access.Subuser && target == access.UserID {
		respondError(c, h.Logger, apperr.Wrap(apperr.ErrPermissionDenied, "cannot change your own permissions"))
		return
	}

	perms, err := permission.ParseNames(body.Permissions)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	if err := checkGrants(access, perms, "grant"); err != nil {
		respondError(c, h.Logger, err)
		return
	}

	if _, err := h.Repo.GetUserByID(c.Request.Context(), target); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	exists, err := h.checkTarget(c, access, srv.ID, target)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}

	sub, err := h.Repo.UpsertSubuser(c.Request.Context(), srv.ID, target, perms)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	h.Permissions.Invalidate(srv.ID, target)
	// Open streams carry the grants they connected with.
	closed := 0
	if h.Sockets != nil {
		closed = h.Sockets.Disconnect(srv.ID, target)
	}

	action, status := "server.subuser.updated", http.StatusOK
	if !exists {
		action, status = "server.subuser.created", http.StatusCreated
	}
	h.record(c, srv, action, target, map[string]any{"permissions": sub.Permissions, "closedConnections": closed})
	c.JSON(status, gin.H{"subuser": subuserJSON(sub)})
}

func (h *SubuserHandler) Delete(c *gin.Context) {
	srv := serverFrom(c)
	access, _ := accessFrom(c)
	target := c.Param("user")
	if access.Subuser && target == access.UserID {
		respondError(c, h.Logger, apperr.Wrap(apperr.ErrPermissionDenied, "cannot remove yourself"))
		return
	}
	if _, err := h.checkTarget(c, access, srv.ID, target); err != nil {
		respondError(c, h.Logger, err)
		return
	}

	if err := h.Repo.DeleteSubuser(c.Request.Context(), srv.ID, target); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	h.Permissions.Invalidate(srv.ID, target)
	closed := 0
	if h.Sockets != nil {
		closed = h.Sockets.Disconnect(srv.ID, target)
	}
	h.record(c, srv, "server.subuser.deleted", target, map[string]any{"closedConnections": closed})
	c.Status(http.StatusNoContent)
}

func (h *SubuserHandler) record(c *gin.Context, srv model.Server, action, target string, metadata map[string]any) {
	if h.Audit == nil {
		return
	}
	metadata["userId"] = target
	h.Audit.Record(c.Request.Context(), audit.Event{
		Actor:      actorFrom(c),
		ActorType:  audit.ActorUser,
		Action:     action,
		TargetType: audit.TargetServer,
		TargetID:   srv.ID,
		Metadata:   metadata,
	})
}
