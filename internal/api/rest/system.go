package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/CoSimBridge/internal/storage"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultRunLimit = 20

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout)
		defer cancel()
		s.lm.Shutdown(ctx)
	}()
}

// GET /api/v1/simulation/status
func (s *Server) getSimulationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.SimulationStatus())
}

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	journal := s.lm.Runs()
	if journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUNS_503", "Run journal disabled", nil))
		return
	}

	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid limit", raw))
			return
		}
		limit = n
	}

	runs, err := journal.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUNS_500", "Failed to list runs", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	journal := s.lm.Runs()
	if journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RUNS_503", "Run journal disabled", nil))
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid run ID", err.Error()))
		return
	}

	run, err := journal.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse("RUNS_404", "Run not found", runID.String()))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUNS_500", "Failed to load run", err.Error()))
		return
	}

	c.JSON(http.StatusOK, run)
}
