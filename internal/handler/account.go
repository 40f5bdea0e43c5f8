package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/account"
	"fleet-panel/internal/middleware"
	"fleet-panel/internal/model"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (model.User, error)
}

type AccountHandler struct {
	Users    UserLookup
	Accounts *account.Service
	Logger   *slog.Logger
}

type changePasswordBody struct {
	CurrentPassword string `json:"currentPassword"`
	Password        string `json:"password"`
}

func (h *AccountHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	u, err := h.Users.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userJSON(u)})
}

func (h *AccountHandler) ChangePassword(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body changePasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	revoked, err := h.Accounts.ChangePassword(c.Request.Context(), id.UserID, id.SessionID, body.CurrentPassword, body.Password)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "revokedSessions": revoked})
}
