package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// createTask handles POST /api/v1/runs/:id/tasks.
func (s *Server) createTask(c *gin.Context) {
	var req models.CreateTaskRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.Actor = actorFrom(c)

	task, err := s.eng.CreateTask(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// assignTask handles POST /api/v1/runs/:id/tasks/:tid/assign. Assignments
// the policy gate wants approved come back 409 with the requirement id.
func (s *Server) assignTask(c *gin.Context) {
	var req models.AssignTaskRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.TaskID = c.Param("tid")
	req.Actor = actorFrom(c)

	task, err := s.eng.AssignTask(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// progressTask handles POST /api/v1/runs/:id/tasks/:tid/progress.
func (s *Server) progressTask(c *gin.Context) {
	var req models.ProgressTaskRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.TaskID = c.Param("tid")
	req.Actor = actorFrom(c)

	task, err := s.eng.ProgressTask(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// completeTask handles POST /api/v1/runs/:id/tasks/:tid/complete.
func (s *Server) completeTask(c *gin.Context) {
	var req models.CompleteTaskRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.TaskID = c.Param("tid")
	req.Actor = actorFrom(c)

	task, err := s.eng.CompleteTask(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// failTask handles POST /api/v1/runs/:id/tasks/:tid/fail.
func (s *Server) failTask(c *gin.Context) {
	var req models.FailTaskRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.TaskID = c.Param("tid")
	req.Actor = actorFrom(c)

	task, err := s.eng.FailTask(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
