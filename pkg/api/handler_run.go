package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/models"
)

// startRun handles POST /api/v1/runs. The pipeline runs asynchronously;
// 202 reflects that the work is accepted, not done.
func (s *Server) startRun(c *gin.Context) {
	var req models.StartRunRequest
	if !bindBody(c, &req) {
		return
	}
	req.Actor = actorFrom(c)

	run, err := s.eng.StartRun(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// listRuns handles GET /api/v1/runs with colony_id, state, page, and
// page_size query filters.
func (s *Server) listRuns(c *gin.Context) {
	var params models.RunListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}

	result, err := s.eng.Runs(params)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getRun handles GET /api/v1/runs/:id.
func (s *Server) getRun(c *gin.Context) {
	proj, err := s.eng.Run(c.Param("id"))
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, runDetail(proj))
}

// completeRun handles POST /api/v1/runs/:id/complete.
func (s *Server) completeRun(c *gin.Context) {
	var req models.CompleteRunRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.Actor = actorFrom(c)

	run, err := s.eng.CompleteRun(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// emergencyStop handles POST /api/v1/runs/:id/stop.
func (s *Server) emergencyStop(c *gin.Context) {
	var req models.EmergencyStopRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.Actor = actorFrom(c)

	run, err := s.eng.EmergencyStop(c.Request.Context(), req)
	if err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// heartbeat handles POST /api/v1/runs/:id/heartbeat.
func (s *Server) heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if !bindBody(c, &req) {
		return
	}
	req.RunID = c.Param("id")
	req.Actor = actorFrom(c)

	if err := s.eng.Heartbeat(c.Request.Context(), req); err != nil {
		mapEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
