package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/credentials"
	"github.com/haasonsaas/gearwatch/pkg/events"
)

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.creds.Devices()
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

type registerDeviceRequest struct {
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
}

// handleRegisterDevice creates a device with a generated id and secret. The
// secret is only ever returned here.
func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	// both fields are optional, so an empty body is a valid request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "malformed request: "+err.Error(), s.logger)
		return
	}

	d, err := s.creds.GenerateDevice(req.Name, req.DeviceType)
	if err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("device registration failed")
		s.events.RecordWithSeverity(c.Request.Context(), events.TypeInternalError, events.SeverityWarning, map[string]any{
			"operation": "register_device",
			"cause":     err.Error(),
		})
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}
	s.events.Record(c.Request.Context(), events.TypeDeviceRegistered, map[string]any{
		"client_id":     d.ClientID,
		"device_type":   d.DeviceType,
		"registered_by": claimsFrom(c).Subject,
	})
	c.JSON(http.StatusCreated, gin.H{
		"client_id":     d.ClientID,
		"client_secret": d.Secret,
		"name":          d.Name,
		"device_type":   d.DeviceType,
		"registered_at": d.RegisteredAt,
	})
}

func (s *Server) handleRemoveDevice(c *gin.Context) {
	deviceID := c.Param("device_id")
	if err := s.creds.RemoveDevice(deviceID); err != nil {
		if errors.Is(err, credentials.ErrDeviceNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}
	s.events.Record(c.Request.Context(), events.TypeDeviceRemoved, map[string]any{
		"client_id":  deviceID,
		"removed_by": claimsFrom(c).Subject,
	})
	c.Status(http.StatusNoContent)
}

type deviceCommandRequest struct {
	Command string         `json:"command" binding:"required"`
	Params  map[string]any `json:"params"`
}

// handleDeviceCommand only audits the command; delivery to the device is
// outside the collector.
func (s *Server) handleDeviceCommand(c *gin.Context) {
	deviceID := c.Param("device_id")
	if _, err := s.creds.Device(deviceID); err != nil {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}
	var req deviceCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request: "+err.Error(), s.logger)
		return
	}

	details := map[string]any{
		"device_id": deviceID,
		"command":   req.Command,
		"issued_by": claimsFrom(c).Subject,
	}
	if len(req.Params) > 0 {
		details["params"] = req.Params
	}
	id := s.events.Record(c.Request.Context(), events.TypeDeviceCommand, details)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "event_id": id})
}
