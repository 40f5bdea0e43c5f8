package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/wings"
)

// statusFor maps an error to the HTTP status the API reports for it.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		var we *wings.Error
		if (errors.As(err, &we) && we.Timeout) || errors.Is(err, apperr.ErrUpstreamUnavailable) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if apperr.KindOf(err) == apperr.KindUpstream {
		return apperr.ErrUpstreamUnavailable.Code
	}
	return "internal"
}

// respondError writes err as {"error", "code"}. Unclassified errors are
// logged and reported without detail.
func respondError(c *gin.Context, lg *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		if lg != nil {
			lg.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		}
		c.JSON(status, gin.H{"error": "Internal server error", "code": "internal"})
		return
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error(), "code": errorCode(err)})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": apperr.ErrInvalidInput.Code})
}
