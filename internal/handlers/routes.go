package handlers

import (
	"task-hierarchy/backend/internal/models"
	"task-hierarchy/backend/internal/services"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the hierarchy API on r. The user endpoints are only
// mounted when a directory is supplied.
func RegisterRoutes(r gin.IRouter, svc HierarchyService, directory services.UserDirectory) {
	resources := []struct {
		path string
		kind models.Kind
	}{
		{"epics", models.KindEpic},
		{"stories", models.KindStory},
		{"tasks", models.KindTask},
	}

	assigned := r.Group("/assigned")
	for _, res := range resources {
		h := NewEntityHandler(res.kind, svc)
		g := r.Group("/" + res.path)
		g.POST("", h.Create)
		g.GET("", h.List)
		g.GET("/:id", h.Get)
		g.PATCH("/:id", h.Update)
		assigned.GET("/"+res.path, h.ListAssigned)
	}

	hh := NewHierarchyHandler(svc)
	r.GET("/tasks/:id/epic", hh.EpicForTask)
	r.GET("/epics/:id/tasks", hh.TasksUnderEpic)

	if directory != nil {
		uh := NewUserHandler(directory)
		r.GET("/users/lookup", uh.Lookup)
		r.POST("/users", uh.Register)
	}
}
