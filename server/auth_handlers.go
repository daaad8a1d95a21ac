package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/haasonsaas/gearwatch/pkg/health"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// malformed records the denial of a request whose body could not be bound.
func (s *Server) malformed(c *gin.Context, err error) {
	s.events.RecordWithSeverity(c.Request.Context(), events.TypeAuthFailure, events.SeverityWarning, map[string]any{
		"reason": "malformed_request",
		"path":   c.FullPath(),
	})
	respondError(c, http.StatusBadRequest, "malformed request: "+err.Error(), s.logger)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.malformed(c, err)
		return
	}

	tok, err := s.tokens.IssueUserToken(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondAuthError(c, err, s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Info().Str("username", req.Username).Msg("user logged in")
	c.JSON(http.StatusOK, auth.TokenResponse{
		Token:     tok.Value,
		ExpiresIn: tok.ExpiresIn(),
		Role:      string(tok.Claims.Role),
	})
}

func (s *Server) handleDeviceToken(c *gin.Context) {
	var req auth.DeviceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.malformed(c, err)
		return
	}

	tok, err := s.tokens.IssueDeviceToken(c.Request.Context(), req)
	if err != nil {
		respondAuthError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, auth.TokenResponse{Token: tok.Value, ExpiresIn: tok.ExpiresIn()})
}

func (s *Server) handleVerify(c *gin.Context) {
	claims, err := s.tokens.VerifyToken(c.Request.Context(), bearerToken(c))
	if err != nil {
		respondAuthError(c, err, s.logger)
		return
	}
	resp := gin.H{
		"valid":      true,
		"sub":        claims.Subject,
		"type":       claims.Kind,
		"expires_at": claims.ExpiresAt.Time,
	}
	if claims.Role != "" {
		resp["role"] = claims.Role
	}
	if claims.DeviceType != "" {
		resp["device_type"] = claims.DeviceType
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, health.ServerHealth{
		Status:  "healthy",
		Version: Version,
		Time:    s.clock().UTC(),
	})
}
