package events

import (
	"context"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity accepts a severity name; "" and "all" mean no filter.
func ParseSeverity(raw string) (Severity, bool) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case "", "all":
		return "", true
	default:
		return s, s.Valid()
	}
}

// DefaultSeverity derives a severity from the event naming convention.
func DefaultSeverity(eventType string) Severity {
	if strings.HasSuffix(eventType, "_failure") {
		return SeverityWarning
	}
	return SeverityInfo
}

// Event types recorded by the collector.
const (
	TypeLoginSuccess       = "login_success"
	TypeLoginFailure       = "login_failure"
	TypeAuthSuccess        = "auth_success"
	TypeAuthFailure        = "auth_failure"
	TypeSignatureFailure   = "signature_failure"
	TypeDeviceRegistered   = "device_registered"
	TypeDeviceRemoved      = "device_removed"
	TypeDeviceCommand      = "device_command"
	TypeDataReceived       = "data_received"
	TypeAccessDenied       = "access_denied"
	TypeRateLimited        = "rate_limited"
	TypeInternalError      = "internal_error"
	TypeDetectorTickFailed = "detector_tick_failure"

	// Device alert types. The global log carries them with the IoTPrefix.
	AlertAttackDetected = "attack_detected"
	AlertAttackResolved = "attack_resolved"

	IoTPrefix = "iot_"
)

// Event is an immutable audit record. Seq is the position in the global log.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Origin    string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DeviceAlert is an Event scoped to a single device.
type DeviceAlert struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}

type originKey struct{}

// WithOrigin attaches the caller address to ctx so events recorded while
// handling the request carry it.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the caller address stored by WithOrigin.
func OriginFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
