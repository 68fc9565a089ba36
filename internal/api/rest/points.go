package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/KevinKickass/CoSimBridge/internal/cosim"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/points
func (s *Server) listPoints(c *gin.Context) {
	snapshot := s.lm.Points().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"outputs": snapshot.Outputs,
		"inputs":  snapshot.Inputs,
		"count":   len(snapshot.Outputs) + len(snapshot.Inputs),
	})
}

// GET /api/v1/points/*topic
func (s *Server) getPoint(c *gin.Context) {
	topic := strings.Trim(c.Param("topic"), "/")
	if topic == "" {
		s.listPoints(c)
		return
	}

	value, ok := s.lm.Points().GetPoint(topic)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("POINT_404", "No point matches topic", topic))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"topic": topic,
		"value": value,
	})
}

// PUT /api/v1/points/*topic
func (s *Server) setPoint(c *gin.Context) {
	topic := strings.Trim(c.Param("topic"), "/")

	var req struct {
		RequesterID string `json:"requester_id" binding:"required"`
		Value       any    `json:"value"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("POINT_400", "Invalid request body", err.Error()))
		return
	}
	if topic == "" || req.Value == nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("POINT_400", "Topic and value are required", nil))
		return
	}

	stored, err := s.lm.Points().SetPoint(req.RequesterID, topic, req.Value)
	if err != nil {
		var spe *cosim.SetPointError
		if errors.As(err, &spe) {
			c.JSON(setPointStatus(spe.Result), types.NewErrorResponse(
				"POINT_"+spe.Result.String(), "Failed to set value: "+spe.Result.String(), topic))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("POINT_500", "Failed to set value", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"topic": topic,
		"value": stored,
	})
}

func setPointStatus(res types.Result) int {
	switch res {
	case types.ResultNotFound:
		return http.StatusNotFound
	case types.ResultReadOnly:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// POST /api/v1/revert/point
func (s *Server) revertPoint(c *gin.Context) {
	var req struct {
		RequesterID string `json:"requester_id" binding:"required"`
		Topic       string `json:"topic" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REVERT_400", "Invalid request body", err.Error()))
		return
	}

	res := s.lm.Points().RevertPoint(req.RequesterID, req.Topic)
	c.JSON(http.StatusOK, gin.H{
		"topic":  strings.Trim(req.Topic, "/"),
		"result": res.String(),
	})
}

// POST /api/v1/revert/device
func (s *Server) revertDevice(c *gin.Context) {
	var req struct {
		RequesterID string `json:"requester_id" binding:"required"`
		Device      string `json:"device" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REVERT_400", "Invalid request body", err.Error()))
		return
	}

	outcomes := s.lm.Points().RevertDevice(req.RequesterID, req.Device)
	if outcomes == nil {
		outcomes = []cosim.RevertOutcome{}
	}

	c.JSON(http.StatusOK, gin.H{
		"device": strings.Trim(req.Device, "/"),
		"points": outcomes,
	})
}

// POST /api/v1/schedule
func (s *Server) requestNewSchedule(c *gin.Context) {
	var req struct {
		RequesterID string `json:"requester_id" binding:"required"`
		TaskID      string `json:"task_id" binding:"required"`
		Priority    string `json:"priority"`
		Requests    any    `json:"requests"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SCHEDULE_400", "Invalid request body", err.Error()))
		return
	}

	c.JSON(http.StatusOK, s.lm.Points().RequestNewSchedule(req.RequesterID, req.TaskID, req.Priority, req.Requests))
}

// DELETE /api/v1/schedule/:task_id
func (s *Server) requestCancelSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Points().RequestCancelSchedule(c.Query("requester_id"), c.Param("task_id")))
}
