package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping() error
}

type HealthHandler struct {
	DB Pinger
}

func (h *HealthHandler) Get(c *gin.Context) {
	if h.DB != nil {
		if err := h.DB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "database unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
