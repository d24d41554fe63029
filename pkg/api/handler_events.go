package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// listEvents handles GET /api/v1/runs/:id/events: the run's full event log
// in append order, hash chain included. A corrupt log still serves its
// verified prefix; only writes are refused on frozen scopes.
func (s *Server) listEvents(c *gin.Context) {
	evs, err := s.eng.Events(c.Request.Context(), c.Param("id"))
	if err != nil && len(evs) == 0 {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

// lineage handles GET /api/v1/runs/:id/events/:eid/lineage with direction
// (ancestors, descendants, both) and max_depth query parameters.
func (s *Server) lineage(c *gin.Context) {
	req := models.LineageRequest{
		RunID:     c.Param("id"),
		EventID:   c.Param("eid"),
		Direction: c.Query("direction"),
	}
	if v := c.Query("max_depth"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_depth: must be an integer"})
			return
		}
		req.MaxDepth = &depth
	}

	result, err := s.eng.Lineage(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
