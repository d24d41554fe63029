package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// createHive handles POST /api/v1/hives.
func (s *Server) createHive(c *gin.Context) {
	var req models.CreateHiveRequest
	if !bindBody(c, &req) {
		return
	}
	req.Actor = actorFrom(c)

	hive, err := s.eng.CreateHive(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hive)
}

// closeHive handles POST /api/v1/hives/:id/close.
func (s *Server) closeHive(c *gin.Context) {
	var req models.CloseHiveRequest
	if !bindBody(c, &req) {
		return
	}
	req.HiveID = c.Param("id")
	req.Actor = actorFrom(c)

	hive, err := s.eng.CloseHive(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, hive)
}
