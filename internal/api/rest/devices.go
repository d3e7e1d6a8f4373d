package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.DeviceManager().ListDevices()

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:name/read
func (s *Server) readDevice(c *gin.Context) {
	result, err := s.lm.DeviceManager().Read(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// PUT /api/v1/devices/:name/write
//
// Body: {"<parameter>": <value>, ...}
func (s *Server) writeDevice(c *gin.Context) {
	var values map[string]any
	decoder := json.NewDecoder(c.Request.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&values); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("invalid_request", "Invalid request body", err.Error()))
		return
	}
	if len(values) == 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("invalid_request", "No parameters to write", nil))
		return
	}

	result, err := s.lm.DeviceManager().Write(c.Request.Context(), c.Param("name"), values)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) respondError(c *gin.Context, err error) {
	var e *types.Error
	if errors.As(err, &e) {
		c.JSON(e.Status, e.Response())
		return
	}

	s.logger.Error("Unexpected device error",
		zap.String("device", c.Param("name")),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, types.NewErrorResponse("internal_error", "Internal error", err.Error()))
}
