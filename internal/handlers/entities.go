package handlers

import (
	"context"
	"net/http"

	"task-hierarchy/backend/internal/models"
	"task-hierarchy/backend/internal/store"

	"github.com/gin-gonic/gin"
)

// HierarchyService is the part of services.Manager the HTTP layer uses.
type HierarchyService interface {
	Create(ctx context.Context, kind models.Kind, fields models.Fields) (models.Entity, error)
	Get(ctx context.Context, kind models.Kind, id string) (models.Entity, error)
	List(ctx context.Context, kind models.Kind, f store.Filter) ([]models.Entity, error)
	UpdateEntity(ctx context.Context, kind models.Kind, id string, patch models.Fields) (models.Entity, error)
	GetEpicForTask(ctx context.Context, taskID string) (*models.Epic, error)
	GetTasksUnderEpic(ctx context.Context, epicID, status string) ([]*models.Task, error)
}

// filterParams are the query parameters read as list filters.
var filterParams = []string{"creator_id", "assigned_user_id", "status", "epic_id", "story_id"}

// EntityHandler serves the CRUD surface of one entity kind.
type EntityHandler struct {
	kind models.Kind
	svc  HierarchyService
}

func NewEntityHandler(kind models.Kind, svc HierarchyService) *EntityHandler {
	return &EntityHandler{kind: kind, svc: svc}
}

func (h *EntityHandler) Create(c *gin.Context) {
	var fields models.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if fields == nil {
		badRequest(c, "request body must be a JSON object")
		return
	}

	if _, ok := fields["creator_id"]; !ok {
		if uid := c.GetString("user_id"); uid != "" {
			fields["creator_id"] = uid
		}
	}

	e, err := h.svc.Create(c.Request.Context(), h.kind, fields)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":       "success",
		h.idKey():      e.EntityID(),
		string(h.kind): e,
	})
}

func (h *EntityHandler) Get(c *gin.Context) {
	e, err := h.svc.Get(c.Request.Context(), h.kind, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *EntityHandler) List(c *gin.Context) {
	h.list(c, queryFilter(c))
}

// ListAssigned is List with a mandatory assigned_user_id.
func (h *EntityHandler) ListAssigned(c *gin.Context) {
	f := queryFilter(c)
	if f["assigned_user_id"] == "" {
		badRequest(c, "Missing assigned_user_id parameter")
		return
	}
	h.list(c, f)
}

func (h *EntityHandler) list(c *gin.Context, f store.Filter) {
	items, err := h.svc.List(c.Request.Context(), h.kind, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *EntityHandler) Update(c *gin.Context) {
	var patch models.Fields
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	e, err := h.svc.UpdateEntity(c.Request.Context(), h.kind, c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *EntityHandler) idKey() string {
	return string(h.kind) + "_id"
}

func queryFilter(c *gin.Context) store.Filter {
	f := store.Filter{}
	for _, key := range filterParams {
		if v := c.Query(key); v != "" {
			f[key] = v
		}
	}
	return f
}
