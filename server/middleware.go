package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/canonical"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/haasonsaas/gearwatch/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20

// bearerToken returns the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

func (s *Server) requireToken(c *gin.Context) {
	claims, err := s.tokens.VerifyToken(c.Request.Context(), bearerToken(c))
	if err != nil {
		respondAuthError(c, err, s.logger)
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (s *Server) deny(c *gin.Context, reason string) {
	details := map[string]any{"reason": reason, "path": c.FullPath()}
	if claims := claimsFrom(c); claims != nil {
		details["sub"] = claims.Subject
	}
	s.events.RecordWithSeverity(c.Request.Context(), events.TypeAccessDenied, events.SeverityWarning, details)
	respondError(c, http.StatusForbidden, "forbidden", s.logger)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if claims := claimsFrom(c); claims == nil || !claims.IsAdmin() {
		s.deny(c, "admin_required")
		return
	}
	c.Next()
}

// requireUser rejects device principals.
func (s *Server) requireUser(c *gin.Context) {
	if claims := claimsFrom(c); claims == nil || claims.Kind != auth.KindUser {
		s.deny(c, "user_required")
		return
	}
	c.Next()
}

// requireDeviceScope lets devices read only their own records.
func (s *Server) requireDeviceScope(c *gin.Context) {
	claims := claimsFrom(c)
	if claims != nil && claims.Kind == auth.KindDevice && claims.Subject != c.Param("device_id") {
		s.deny(c, "device_scope")
		return
	}
	c.Next()
}

// requireSignature verifies X-Request-Signature over the body. The body is
// restored for the handler and its canonical form, which is what was signed,
// is kept under signedBodyContextKey. When a device token was presented, it
// must belong to the signing device.
func (s *Server) requireSignature(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		s.rejectBody(c, http.StatusBadRequest, "unreadable_body", "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		s.rejectBody(c, http.StatusRequestEntityTooLarge, "body_too_large", "body too large")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	clientID := c.GetHeader(auth.HeaderClientID)
	if err := s.verifier.VerifyRequest(c.Request.Context(), clientID, body, c.GetHeader(auth.HeaderSignature)); err != nil {
		respondAuthError(c, err, s.logger)
		return
	}
	if claims := claimsFrom(c); claims != nil && claims.Kind == auth.KindDevice && claims.Subject != clientID {
		s.deny(c, "token_client_mismatch")
		return
	}
	signed, err := canonical.JSON(body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid payload", s.logger)
		return
	}

	c.Set(clientIDContextKey, clientID)
	c.Set(signedBodyContextKey, signed)
	c.Next()
}

// rejectBody denies a signed request whose body never reached verification.
func (s *Server) rejectBody(c *gin.Context, status int, reason, message string) {
	s.events.RecordWithSeverity(c.Request.Context(), events.TypeSignatureFailure, events.SeverityWarning, map[string]any{
		"reason":    reason,
		"client_id": c.GetHeader(auth.HeaderClientID),
	})
	respondError(c, status, message, s.logger)
}

// rateLimit limits a route per caller address.
func (s *Server) rateLimit(route string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || perMinute <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("%s:%s", route, c.ClientIP())
		decision, err := s.limiter.Allow(c.Request.Context(), key, perMinute, time.Minute)
		if err != nil {
			logger := requestLogger(c, s.logger)
			logger.Warn().Err(err).Msg("rate limiter unavailable")
			if s.cfg.RateLimit.FailClosed {
				respondError(c, http.StatusTooManyRequests, "rate limiter unavailable", s.logger)
				return
			}
			c.Next()
			return
		}
		writeRateLimitHeaders(c, decision, s.clock())
		if !decision.Allowed {
			s.events.RecordWithSeverity(c.Request.Context(), events.TypeRateLimited, events.SeverityWarning, map[string]any{
				"route": route,
			})
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, d ratelimit.Decision, now time.Time) {
	if d.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(d.Limit))
	}
	if d.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retryAfter := int64(d.ResetAt.Sub(now).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
