package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-core/internal/models"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidContent), errors.Is(err, models.ErrInvalidGroupSize):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAlreadyInCall), errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnsupportedOperation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the status matching err's category. Unclassified
// errors are recorded on the context and hidden from the client.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
