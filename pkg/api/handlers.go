package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usewisp/wisp/pkg/engine"
)

// AcceptedResponse acknowledges a scheduled teardown.
type AcceptedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) createProject(c *gin.Context) {
	var req engine.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, engine.NewValidationError("invalid request body", err).WithOperation("create_project"))
		return
	}

	project, err := s.service.Accept(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Location", "/projects/"+project.ID)
	c.JSON(http.StatusAccepted, project)
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.service.Project(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.service.Projects(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if projects == nil {
		projects = []*engine.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) deleteProject(c *gin.Context) {
	id := c.Param("id")
	userID := c.Query("userId")
	if userID == "" {
		s.fail(c, engine.NewValidationError("userId query parameter is required", nil).
			WithOperation("delete_project").
			WithResource(id))
		return
	}

	if err := s.service.ScheduleTeardown(c.Request.Context(), id, userID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{ID: id, Status: "deleting"})
}

func (s *Server) deleteUser(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.service.ScheduleDeleteUser(c.Request.Context(), userID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, AcceptedResponse{ID: userID, Status: "deleting"})
}
