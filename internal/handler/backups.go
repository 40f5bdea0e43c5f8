package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/backup"
	"fleet-panel/internal/model"
)

type BackupHandler struct {
	Backups *backup.Manager
	Logger  *slog.Logger
}

type createBackupBody struct {
	Name         string   `json:"name"`
	IgnoredFiles []string `json:"ignoredFiles"`
}

type restoreBackupBody struct {
	Truncate bool `json:"truncate"`
}

func backupJSON(b model.Backup) gin.H {
	return gin.H{
		"uuid":         b.UUID,
		"name":         b.Name,
		"ignoredFiles": b.IgnoredFiles,
		"checksum":     b.Checksum,
		"bytes":        b.Bytes,
		"state":        b.State(),
		"isSuccessful": b.IsSuccessful,
		"isLocked":     b.IsLocked,
		"failedAt":     b.FailedAt,
		"completedAt":  b.CompletedAt,
		"createdAt":    b.CreatedAt,
	}
}

func (h *BackupHandler) List(c *gin.Context) {
	list, err := h.Backups.List(c.Request.Context(), serverFrom(c).ID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, b := range list {
		out = append(out, backupJSON(b))
	}
	c.JSON(http.StatusOK, gin.H{"backups": out, "backupLimit": serverFrom(c).BackupLimit})
}

func (h *BackupHandler) Get(c *gin.Context) {
	b, err := h.Backups.Get(c.Request.Context(), serverFrom(c).ID, c.Param("backup"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": backupJSON(b)})
}

// Create answers 201 on success. When the node timed out the pending row
// is returned alongside the 504 so the caller can follow it up.
func (h *BackupHandler) Create(c *gin.Context) {
	var body createBackupBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c)
			return
		}
	}

	b, err := h.Backups.Create(c.Request.Context(), serverFrom(c).ID, backup.CreateOptions{
		Name:         body.Name,
		IgnoredFiles: body.IgnoredFiles,
		Actor:        actorFrom(c),
	})
	if err != nil {
		if b.UUID != "" {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "code": errorCode(err), "backup": backupJSON(b)})
			return
		}
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"backup": backupJSON(b)})
}

func (h *BackupHandler) Delete(c *gin.Context) {
	if err := h.Backups.Delete(c.Request.Context(), serverFrom(c).ID, c.Param("backup"), actorFrom(c)); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *BackupHandler) Restore(c *gin.Context) {
	var body restoreBackupBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c)
			return
		}
	}
	if err := h.Backups.Restore(c.Request.Context(), serverFrom(c).ID, c.Param("backup"), body.Truncate, actorFrom(c)); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *BackupHandler) Lock(c *gin.Context) {
	h.setLocked(c, true)
}

func (h *BackupHandler) Unlock(c *gin.Context) {
	h.setLocked(c, false)
}

func (h *BackupHandler) setLocked(c *gin.Context, locked bool) {
	var (
		b   model.Backup
		err error
	)
	if locked {
		b, err = h.Backups.Lock(c.Request.Context(), serverFrom(c).ID, c.Param("backup"), actorFrom(c))
	} else {
		b, err = h.Backups.Unlock(c.Request.Context(), serverFrom(c).ID, c.Param("backup"), actorFrom(c))
	}
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": backupJSON(b)})
}

// Sync reconciles the ledger with the node. Per-item problems are part of
// the 200 body; only a failed listing is an error.
func (h *BackupHandler) Sync(c *gin.Context) {
	res, err := h.Backups.Sync(c.Request.Context(), serverFrom(c).ID, actorFrom(c))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"synced": res.Synced,
		"pruned": nonNil(res.Pruned),
		"errors": nonNil(res.Errors),
	})
}
