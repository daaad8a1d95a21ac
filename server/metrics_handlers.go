package main

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/events"
)

// telemetryHints are the only fields of a telemetry payload the collector
// looks at; everything else is stored as-is.
type telemetryHints struct {
	EventCount      *float64 `json:"event_count"`
	EventsPerSecond *float64 `json:"events_per_second"`
	AttackType      string   `json:"attack_type"`
}

func (s *Server) handleTelemetry(c *gin.Context) {
	deviceID := c.GetString(clientIDContextKey)
	body, _ := c.Get(signedBodyContextKey)
	raw, _ := body.([]byte)

	var hints telemetryHints
	if err := json.Unmarshal(raw, &hints); err != nil {
		respondError(c, http.StatusBadRequest, "telemetry must be a JSON object", s.logger)
		return
	}
	rec, err := s.ingest.AddTelemetry(deviceID, raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	count := 1
	if hints.EventCount != nil && *hints.EventCount >= 1 && *hints.EventCount < math.MaxInt32 {
		count = int(*hints.EventCount)
	}
	s.rates.Observe(deviceID, count)
	if hints.EventsPerSecond != nil {
		s.rates.Report(deviceID, *hints.EventsPerSecond, hints.AttackType)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "received",
		"device_id":   deviceID,
		"received_at": rec.ReceivedAt,
	})
}

func (s *Server) handleListTelemetry(c *gin.Context) {
	deviceID := c.Param("device_id")
	items := s.ingest.Telemetry(deviceID)
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "data": items, "count": len(items)})
}

type uploadRequest struct {
	EncryptedData string `json:"encrypted_data" binding:"required"`
}

// handleUpload stores an opaque metrics blob. The collector never decrypts
// it.
func (s *Server) handleUpload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request: "+err.Error(), s.logger)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.EncryptedData)
	if err != nil {
		respondError(c, http.StatusBadRequest, "encrypted_data must be base64", s.logger)
		return
	}

	deviceID := c.GetString(clientIDContextKey)
	up, err := s.ingest.AddUpload(deviceID, data)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	s.events.Record(c.Request.Context(), events.TypeDataReceived, map[string]any{
		"client_id": deviceID,
		"upload_id": up.ID,
		"size":      up.Size,
	})
	c.JSON(http.StatusOK, gin.H{"status": "stored", "upload_id": up.ID, "size": up.Size})
}
