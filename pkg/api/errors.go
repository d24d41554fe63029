package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apiaryhq/apiary/pkg/engine"
	"github.com/apiaryhq/apiary/pkg/lifecycle"
	"github.com/apiaryhq/apiary/pkg/policy"
	"github.com/apiaryhq/apiary/pkg/ratelimit"
	"github.com/apiaryhq/apiary/pkg/vault"
)

// mapEngineError translates engine failures into HTTP responses. Approval
// gates carry the requirement id so clients can resolve it and retry the
// same command.
func mapEngineError(c *gin.Context, err error) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		return
	}
	if errors.Is(err, engine.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var aerr *engine.ApprovalRequiredError
	if errors.As(err, &aerr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":          aerr.Error(),
			"requirement_id": aerr.RequirementID,
		})
		return
	}
	var terr *lifecycle.InvalidTransitionError
	if errors.As(err, &terr) {
		c.JSON(http.StatusConflict, gin.H{"error": terr.Error()})
		return
	}
	if errors.Is(err, engine.ErrRunNotQuiescent) || errors.Is(err, engine.ErrNotQuiescent) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	var derr *policy.DeniedError
	if errors.As(err, &derr) {
		c.JSON(http.StatusForbidden, gin.H{"error": derr.Error()})
		return
	}
	var berr *ratelimit.BudgetExhaustedError
	if errors.As(err, &berr) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": berr.Error()})
		return
	}
	if errors.Is(err, vault.ErrScopeReadOnly) || vault.IsCorruption(err) || errors.Is(err, engine.ErrEngineStopped) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	slog.Error("Unexpected engine error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
