package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/account"
	"fleet-panel/internal/middleware"
	"fleet-panel/internal/model"
)

type AuthHandler struct {
	Accounts            *account.Service
	ResetRequestLimiter *middleware.RateLimiter
	Logger              *slog.Logger
}

type loginBody struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type resetRequestBody struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
}

type resetBody struct {
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

func userJSON(u model.User) gin.H {
	return gin.H{
		"id":        u.ID,
		"username":  u.Username,
		"email":     u.Email,
		"role":      u.Role,
		"createdAt": u.CreatedAt,
	}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}

	res, err := h.Accounts.Login(c.Request.Context(), body.Identity, body.Password)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     res.Token,
		"expiresAt": res.Session.ExpiresAt.UTC().Format(time.RFC3339),
		"user":      userJSON(res.User),
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	if err := h.Accounts.Logout(c.Request.Context(), id.SessionID); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RequestReset always answers with the same body so callers cannot tell
// whether an account exists.
func (h *AuthHandler) RequestReset(c *gin.Context) {
	var body resetRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	if h.ResetRequestLimiter != nil && !h.ResetRequestLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	identity := body.Identity
	if identity == "" {
		identity = body.Email
	}
	if err := h.Accounts.RequestPasswordReset(c.Request.Context(), identity); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "If an account exists for that address, a reset link has been sent.",
	})
}

func (h *AuthHandler) Reset(c *gin.Context) {
	var body resetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	if body.PasswordConfirmation != "" && body.PasswordConfirmation != body.Password {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Passwords do not match", "code": "invalid_input"})
		return
	}
	if err := h.Accounts.ResetPassword(c.Request.Context(), body.Token, body.Password); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
