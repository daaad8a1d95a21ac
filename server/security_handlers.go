package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/archive"
	"github.com/haasonsaas/gearwatch/pkg/events"
)

type deviceAlertRequest struct {
	AlertType string         `json:"alert_type" binding:"required"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details"`
}

// handleDeviceAlert stores an alert reported by the signing device. It lands
// in the device's alert history and, prefixed with iot_, in the global log.
func (s *Server) handleDeviceAlert(c *gin.Context) {
	var req deviceAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request: "+err.Error(), s.logger)
		return
	}

	severity := events.SeverityWarning
	if req.AlertType == events.AlertAttackDetected {
		severity = events.SeverityCritical
	}
	if req.Severity != "" {
		parsed, ok := events.ParseSeverity(req.Severity)
		if !ok || parsed == "" {
			respondError(c, http.StatusBadRequest, "invalid severity", s.logger)
			return
		}
		severity = parsed
	}

	deviceID := c.GetString(clientIDContextKey)
	details := map[string]any{"device_id": deviceID, "reported": true}
	for k, v := range req.Details {
		if k != "device_id" {
			details[k] = v
		}
	}

	s.events.RecordDeviceAlert(deviceID, req.AlertType, details, severity)
	id := s.events.RecordWithSeverity(c.Request.Context(), events.IoTPrefix+req.AlertType, severity, details)
	c.JSON(http.StatusOK, gin.H{"status": "recorded", "event_id": id})
}

func (s *Server) handleLogs(c *gin.Context) {
	severity, ok := events.ParseSeverity(c.Query("severity"))
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid severity", s.logger)
		return
	}
	logs := s.events.Query(severity)
	c.JSON(http.StatusOK, gin.H{"events": logs, "count": len(logs)})
}

func (s *Server) handleArchive(c *gin.Context) {
	if s.archive == nil {
		respondError(c, http.StatusNotFound, "archive disabled", s.logger)
		return
	}
	severity, ok := events.ParseSeverity(c.Query("severity"))
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid severity", s.logger)
		return
	}
	filter := archive.Filter{Severity: severity, Type: c.Query("type")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid since, want RFC3339", s.logger)
			return
		}
		filter.Since = since
	}

	list, err := s.archive.List(c.Request.Context(), filter)
	if err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("archive query failed")
		respondError(c, http.StatusInternalServerError, "internal error", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

func (s *Server) handleDeviceAlerts(c *gin.Context) {
	deviceID := c.Param("device_id")
	alerts := s.events.QueryDeviceAlerts(deviceID)
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleDetectorStatus(c *gin.Context) {
	st, ok := s.detector.Status(c.Param("device_id"))
	if !ok {
		respondError(c, http.StatusNotFound, "device not monitored", s.logger)
		return
	}
	c.JSON(http.StatusOK, st)
}
