package handlers

import (
	"net/http"

	"task-hierarchy/backend/internal/services"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	directory services.UserDirectory
}

func NewUserHandler(directory services.UserDirectory) *UserHandler {
	return &UserHandler{directory: directory}
}

// Lookup resolves ?email= to the directory entry whose id is stored on
// records as creator_id or assigned_user_id.
func (h *UserHandler) Lookup(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		badRequest(c, "Missing email parameter")
		return
	}

	user, err := h.directory.LookupByEmail(c.Request.Context(), email)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
	})
}

func (h *UserHandler) Register(c *gin.Context) {
	var req services.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.directory.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":       "success",
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"created_at":   user.CreatedAt,
	})
}
