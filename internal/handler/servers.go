package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/allocation"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/model"
)

type ActivityLog interface {
	ListAuditLogs(ctx context.Context, targetType, targetID string, limit int) ([]model.AuditLog, error)
}

// ServerHandler serves the client routes scoped to one server. Every route
// runs behind ServerAccess.Load.
type ServerHandler struct {
	Allocator *allocation.Allocator
	Audit     ActivityLog
	Logger    *slog.Logger
}

type allocationNotesBody struct {
	Notes string `json:"notes"`
}

func (h *ServerHandler) Get(c *gin.Context) {
	access, _ := accessFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"server": serverJSON(serverFrom(c)),
		"meta": gin.H{
			"isOwner":     access.IsOwner,
			"isAdmin":     access.IsAdmin,
			"permissions": access.Permissions,
		},
	})
}

func (h *ServerHandler) Permissions(c *gin.Context) {
	access, _ := accessFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"permissions": access.Permissions,
		"isOwner":     access.IsOwner,
		"isAdmin":     access.IsAdmin,
	})
}

func (h *ServerHandler) ListAllocations(c *gin.Context) {
	srv := serverFrom(c)
	list, err := h.Allocator.ListByServer(c.Request.Context(), srv.ID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := allocationsJSON(list)
	for i, a := range list {
		out[i]["isDefault"] = a.ID == srv.AllocationID
	}
	c.JSON(http.StatusOK, gin.H{"allocations": out})
}

func (h *ServerHandler) AssignAllocation(c *gin.Context) {
	a, err := h.Allocator.AssignNext(c.Request.Context(), serverFrom(c), actorFrom(c))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"allocation": allocationJSON(a)})
}

func (h *ServerHandler) UpdateAllocation(c *gin.Context) {
	var body allocationNotesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	a, err := h.Allocator.UpdateNotes(c.Request.Context(), serverFrom(c), c.Param("id"), body.Notes, actorFrom(c))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": allocationJSON(a)})
}

func (h *ServerHandler) SetPrimaryAllocation(c *gin.Context) {
	a, err := h.Allocator.SetPrimary(c.Request.Context(), serverFrom(c), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := allocationJSON(a)
	out["isDefault"] = true
	c.JSON(http.StatusOK, gin.H{"allocation": out})
}

func (h *ServerHandler) DeleteAllocation(c *gin.Context) {
	if err := h.Allocator.Unassign(c.Request.Context(), serverFrom(c), c.Param("id"), actorFrom(c)); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ServerHandler) Activity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.Audit.ListAuditLogs(c.Request.Context(), audit.TargetServer, serverFrom(c).ID, limit)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]gin.H, 0, len(logs))
	for _, l := range logs {
		out = append(out, gin.H{
			"id":        l.ID,
			"actor":     l.Actor,
			"actorType": l.ActorType,
			"action":    l.Action,
			"metadata":  rawJSON(l.Metadata),
			"createdAt": l.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"activity": out})
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}
