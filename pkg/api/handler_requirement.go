package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// createRequirement handles POST /api/v1/runs/:id/requirements.
func (s *Server) createRequirement(c *gin.Context) {
	var req models.CreateRequirementRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.Actor = actorFrom(c)

	requirement, err := s.eng.CreateRequirement(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, requirement)
}

// resolveRequirement handles POST /api/v1/runs/:id/requirements/:rid/resolve.
// Resolution is durable before any waiting pipeline is released.
func (s *Server) resolveRequirement(c *gin.Context) {
	var req models.ResolveRequirementRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.RequirementID = c.Param("rid")
	req.Actor = actorFrom(c)

	requirement, err := s.eng.ResolveRequirement(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, requirement)
}
