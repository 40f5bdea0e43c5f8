package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/allocation"
	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

type NodeRepository interface {
	CreateNode(ctx context.Context, n model.Node) (model.Node, error)
	GetNode(ctx context.Context, id string) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
}

type ServerCreator interface {
	CreateServer(ctx context.Context, srv model.Server) (model.Server, error)
}

// AdminHandler serves the node, allocation and server management routes
// reserved to platform admins.
type AdminHandler struct {
	Nodes     NodeRepository
	Servers   ServerCreator
	Allocator *allocation.Allocator
	Logger    *slog.Logger
}

type createNodeBody struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
}

type createAllocationsBody struct {
	IP      string `json:"ip"`
	Ports   string `json:"ports"`
	IPAlias string `json:"ipAlias"`
}

type updateAllocationBody struct {
	IPAlias string `json:"ipAlias"`
}

type createServerBody struct {
	UUID            string `json:"uuid"`
	Name            string `json:"name"`
	OwnerID         string `json:"ownerId"`
	NodeID          string `json:"nodeId"`
	AllocationID    string `json:"allocationId"`
	AllocationLimit int    `json:"allocationLimit"`
	BackupLimit     int    `json:"backupLimit"`
	MemoryMB        int    `json:"memoryMb"`
	DiskMB          int    `json:"diskMb"`
}

func nodeJSON(n model.Node) gin.H {
	return gin.H{
		"id":        n.ID,
		"name":      n.Name,
		"baseUrl":   n.BaseURL,
		"tokenId":   n.TokenID,
		"createdAt": n.CreatedAt,
	}
}

func allocationJSON(a model.Allocation) gin.H {
	return gin.H{
		"id":       a.ID,
		"nodeId":   a.NodeID,
		"ip":       a.IP,
		"ipAlias":  a.IPAlias,
		"port":     a.Port,
		"serverId": a.ServerID,
		"notes":    a.Notes,
		"assigned": a.Assigned(),
	}
}

func allocationsJSON(list []model.Allocation) []gin.H {
	out := make([]gin.H, 0, len(list))
	for _, a := range list {
		out = append(out, allocationJSON(a))
	}
	return out
}

func serverJSON(s model.Server) gin.H {
	return gin.H{
		"id":              s.ID,
		"uuid":            s.UUID,
		"name":            s.Name,
		"ownerId":         s.OwnerID,
		"nodeId":          s.NodeID,
		"allocationId":    s.AllocationID,
		"allocationLimit": s.AllocationLimit,
		"backupLimit":     s.BackupLimit,
		"memoryMb":        s.MemoryMB,
		"diskMb":          s.DiskMB,
		"createdAt":       s.CreatedAt,
	}
}

// CreateNode returns the node's token exactly once; it is never listed.
func (h *AdminHandler) CreateNode(c *gin.Context) {
	var body createNodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	n, err := h.Nodes.CreateNode(c.Request.Context(), model.Node{Name: body.Name, BaseURL: body.BaseURL})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := nodeJSON(n)
	out["token"] = n.Token
	c.JSON(http.StatusCreated, gin.H{"node": out})
}

func (h *AdminHandler) ListNodes(c *gin.Context) {
	nodes, err := h.Nodes.ListNodes(c.Request.Context())
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]gin.H, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeJSON(n))
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (h *AdminHandler) ListNodeAllocations(c *gin.Context) {
	list, err := h.Allocator.ListByNode(c.Request.Context(), c.Param("node"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocationsJSON(list)})
}

// CreateAllocations answers 201 when every pair was handled, 207 when
// some inserts failed and 409 when every pair already existed.
func (h *AdminHandler) CreateAllocations(c *gin.Context) {
	var body createAllocationsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}

	res, err := h.Allocator.Allocate(c.Request.Context(), allocation.Request{
		NodeID:  c.Param("node"),
		IP:      body.IP,
		Ports:   body.Ports,
		IPAlias: body.IPAlias,
		Actor:   actorFrom(c),
	})
	payload := gin.H{
		"created": allocationsJSON(res.Created),
		"skipped": nonNil(res.Skipped),
		"failed":  nonNil(res.Failed),
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict || len(res.Failed) > 0 {
			payload["error"] = err.Error()
			payload["code"] = errorCode(err)
			c.JSON(statusFor(err), payload)
			return
		}
		respondError(c, h.Logger, err)
		return
	}

	status := http.StatusCreated
	if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, payload)
}

func (h *AdminHandler) UpdateAllocation(c *gin.Context) {
	var body updateAllocationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	a, err := h.Allocator.UpdateAlias(c.Request.Context(), c.Param("id"), body.IPAlias, actorFrom(c))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocation": allocationJSON(a)})
}

func (h *AdminHandler) DeleteAllocation(c *gin.Context) {
	if err := h.Allocator.Deallocate(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) CreateServer(c *gin.Context) {
	var body createServerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	srv, err := h.Servers.CreateServer(c.Request.Context(), model.Server{
		UUID:            body.UUID,
		Name:            body.Name,
		OwnerID:         body.OwnerID,
		NodeID:          body.NodeID,
		AllocationID:    body.AllocationID,
		AllocationLimit: body.AllocationLimit,
		BackupLimit:     body.BackupLimit,
		MemoryMB:        body.MemoryMB,
		DiskMB:          body.DiskMB,
	})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"server": serverJSON(srv)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
