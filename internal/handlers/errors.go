package handlers

import (
	"errors"
	"net/http"

	"task-hierarchy/backend/internal/domain"

	"github.com/gin-gonic/gin"
)

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindLinkFailure, domain.KindConflict:
		return http.StatusConflict
	case domain.KindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status code and a JSON body. The error is also
// attached to the context so the request logger can record it.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}

	body := gin.H{
		"error":   kind.String(),
		"message": err.Error(),
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Errors
	}

	var lerr *domain.LinkError
	if errors.As(err, &lerr) {
		body["child_id"] = lerr.ChildID
		body["parent_id"] = lerr.ParentID
		body["rollback_incomplete"] = lerr.RollbackIncomplete
	}

	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   domain.KindValidation.String(),
		"message": message,
	})
}
