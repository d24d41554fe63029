package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/version"
)

// health handles GET /healthz. The engine lives in-process over local
// files, so process liveness is the health signal; the payload adds build
// identity, the vault root, and per-model limiter usage for operators.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.GitCommit,
		Vault:   s.eng.VaultRoot(),
		Models:  s.eng.LimiterStats(),
	})
}
