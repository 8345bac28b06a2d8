package handlers

import (
	"net/http"

	"task-hierarchy/backend/internal/models"

	"github.com/gin-gonic/gin"
)

// HierarchyHandler serves the traversal queries.
type HierarchyHandler struct {
	svc HierarchyService
}

func NewHierarchyHandler(svc HierarchyService) *HierarchyHandler {
	return &HierarchyHandler{svc: svc}
}

func (h *HierarchyHandler) EpicForTask(c *gin.Context) {
	epic, err := h.svc.GetEpicForTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, epic)
}

func (h *HierarchyHandler) TasksUnderEpic(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !models.Status(status).Valid() {
		badRequest(c, "invalid status "+status)
		return
	}

	tasks, err := h.svc.GetTasksUnderEpic(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}
