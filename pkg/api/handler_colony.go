package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// createColony handles POST /api/v1/colonies.
func (s *Server) createColony(c *gin.Context) {
	var req models.CreateColonyRequest
	if !bindBody(c, &req) {
		return
	}
	req.Actor = actorFrom(c)

	col, err := s.eng.CreateColony(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, col)
}

// startColony handles POST /api/v1/colonies/:id/start. Starting a suspended
// colony resumes it.
func (s *Server) startColony(c *gin.Context) {
	var req models.StartColonyRequest
	if !bindBody(c, &req) {
		return
	}
	req.ColonyID = c.Param("id")
	req.Actor = actorFrom(c)

	col, err := s.eng.StartColony(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

// completeColony handles POST /api/v1/colonies/:id/complete.
func (s *Server) completeColony(c *gin.Context) {
	var req models.CompleteColonyRequest
	if !bindBody(c, &req) {
		return
	}
	req.ColonyID = c.Param("id")
	req.Actor = actorFrom(c)

	col, err := s.eng.CompleteColony(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}
