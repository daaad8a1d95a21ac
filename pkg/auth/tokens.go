package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/haasonsaas/gearwatch/pkg/credentials"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/gearwatch/pkg/auth"

var tracer = otel.Tracer(tracerName)

const (
	DefaultUserTokenTTL    = 24 * time.Hour
	DefaultDeviceTokenTTL  = 30 * time.Minute
	DefaultFreshnessWindow = 300 * time.Second
)

type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"
	KindDevice PrincipalKind = "device"
)

// Claims is the signed claim set carried by every token.
type Claims struct {
	Kind       PrincipalKind    `json:"type"`
	Role       credentials.Role `json:"role,omitempty"`
	DeviceType string           `json:"device_type,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the claims belong to an admin user.
func (c *Claims) IsAdmin() bool {
	return c.Kind == KindUser && c.Role == credentials.RoleAdmin
}

// Token is an issued, signed claim set.
type Token struct {
	Value     string
	Claims    *Claims
	ExpiresAt time.Time
}

// ExpiresIn is the token lifetime in whole seconds.
func (t *Token) ExpiresIn() int64 {
	return int64(t.ExpiresAt.Sub(t.Claims.IssuedAt.Time) / time.Second)
}

// EventRecorder is the slice of the security event bus auth writes to.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, details map[string]any) string
	RecordWithSeverity(ctx context.Context, eventType string, severity events.Severity, details map[string]any) string
}

// CredentialStore is the slice of the credential store the token service
// needs.
type CredentialStore interface {
	CheckPassword(username, password string) (credentials.User, error)
	Device(clientID string) (credentials.Device, error)
	RegisterDevice(d credentials.Device) (credentials.Device, error)
}

type TokenConfig struct {
	Secret          []byte
	Issuer          string
	UserTTL         time.Duration
	DeviceTTL       time.Duration
	FreshnessWindow time.Duration
	// RequireDeviceSignature rejects token requests from known devices that
	// carry no signature.
	RequireDeviceSignature bool
}

// TokenService issues and verifies user and device tokens. Tokens are not
// stored; validity is decided by signature and expiry alone.
type TokenService struct {
	cfg    TokenConfig
	creds  CredentialStore
	events EventRecorder
	clock  func() time.Time
}

type TokenOption func(*TokenService)

func WithTokenClock(clock func() time.Time) TokenOption {
	return func(s *TokenService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewTokenService(cfg TokenConfig, creds CredentialStore, recorder EventRecorder, opts ...TokenOption) (*TokenService, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if cfg.UserTTL <= 0 {
		cfg.UserTTL = DefaultUserTokenTTL
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = DefaultDeviceTokenTTL
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	s := &TokenService{
		cfg:    cfg,
		creds:  creds,
		events: recorder,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueUserToken checks a username/password pair and returns a user token.
func (s *TokenService) IssueUserToken(ctx context.Context, username, password string) (tok *Token, err error) {
	ctx, span := tracer.Start(ctx, "auth.IssueUserToken")
	defer func() { endSpan(span, err) }()

	user, err := s.creds.CheckPassword(username, password)
	if err != nil {
		if errors.Is(err, credentials.ErrUserNotFound) || errors.Is(err, credentials.ErrPasswordMismatch) {
			s.events.RecordWithSeverity(ctx, events.TypeLoginFailure, events.SeverityInfo, map[string]any{"username": username})
			return nil, ErrInvalidCredentials
		}
		return nil, recordInternal(ctx, s.events, "issue_user_token", err)
	}

	tok, err = s.sign(Claims{Kind: KindUser, Role: user.Role}, user.Username, s.cfg.UserTTL)
	if err != nil {
		return nil, recordInternal(ctx, s.events, "issue_user_token", err)
	}
	s.events.Record(ctx, events.TypeLoginSuccess, map[string]any{"username": user.Username})
	return tok, nil
}

// DeviceTokenRequest is what a device presents to obtain a token. Secret is
// only needed on first contact; Signature is HMAC("clientID:timestamp").
type DeviceTokenRequest struct {
	ClientID   string `json:"client_id"`
	Timestamp  int64  `json:"timestamp"`
	Secret     string `json:"client_secret,omitempty"`
	Signature  string `json:"signature,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Name       string `json:"name,omitempty"`
}

// IssueDeviceToken authenticates a device, registering it on first contact.
// The timestamp freshness check runs before anything else, so a stale
// request is rejected whether or not its signature is valid.
func (s *TokenService) IssueDeviceToken(ctx context.Context, req DeviceTokenRequest) (tok *Token, err error) {
	ctx, span := tracer.Start(ctx, "auth.IssueDeviceToken")
	span.SetAttributes(attribute.String("auth.client_id", req.ClientID))
	defer func() { endSpan(span, err) }()

	if req.ClientID == "" || req.Timestamp == 0 {
		return nil, s.denyDevice(ctx, ErrMissingHeaders, req.ClientID, "missing_parameters")
	}

	now := s.clock()
	skew := now.Unix() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > s.cfg.FreshnessWindow {
		return nil, s.denyDevice(ctx, ErrReplayRejected, req.ClientID, "timestamp_invalid")
	}

	device, err := s.creds.Device(req.ClientID)
	switch {
	case errors.Is(err, credentials.ErrDeviceNotFound):
		device, err = s.register(ctx, req)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, recordInternal(ctx, s.events, "issue_device_token", err)
	case req.Signature != "":
		expected := SignTokenRequest(req.ClientID, req.Timestamp, device.Secret)
		if !secureCompare(req.Signature, expected) {
			return nil, s.denyDevice(ctx, ErrInvalidSignature, req.ClientID, "signature_invalid")
		}
	case s.cfg.RequireDeviceSignature:
		return nil, s.denyDevice(ctx, ErrInvalidSignature, req.ClientID, "signature_required")
	}

	tok, err = s.sign(Claims{Kind: KindDevice, DeviceType: device.DeviceType}, device.ClientID, s.cfg.DeviceTTL)
	if err != nil {
		return nil, recordInternal(ctx, s.events, "issue_device_token", err)
	}
	s.events.Record(ctx, events.TypeAuthSuccess, map[string]any{"client_id": device.ClientID})
	return tok, nil
}

func (s *TokenService) register(ctx context.Context, req DeviceTokenRequest) (credentials.Device, error) {
	if req.Secret == "" {
		return credentials.Device{}, s.denyDevice(ctx, ErrRegistrationRequired, req.ClientID, "registration_required")
	}
	device, err := s.creds.RegisterDevice(credentials.Device{
		ClientID:   req.ClientID,
		Secret:     req.Secret,
		Name:       req.Name,
		DeviceType: req.DeviceType,
	})
	if errors.Is(err, credentials.ErrDeviceExists) {
		// lost a registration race; the winner's record is authoritative
		device, err = s.creds.Device(req.ClientID)
		if err != nil {
			return credentials.Device{}, recordInternal(ctx, s.events, "issue_device_token", err)
		}
		if req.Signature != "" && !secureCompare(req.Signature, SignTokenRequest(req.ClientID, req.Timestamp, device.Secret)) {
			return credentials.Device{}, s.denyDevice(ctx, ErrInvalidSignature, req.ClientID, "signature_invalid")
		}
		return device, nil
	}
	if err != nil {
		return credentials.Device{}, recordInternal(ctx, s.events, "register_device", err)
	}
	s.events.Record(ctx, events.TypeDeviceRegistered, map[string]any{
		"client_id":   device.ClientID,
		"device_type": device.DeviceType,
	})
	return device, nil
}

func (s *TokenService) denyDevice(ctx context.Context, err error, clientID, reason string) error {
	details := map[string]any{"reason": reason}
	if clientID != "" {
		details["client_id"] = clientID
	}
	s.events.RecordWithSeverity(ctx, events.TypeAuthFailure, events.SeverityWarning, details)
	return err
}

// VerifyToken checks signature and expiry and returns the claims.
func (s *TokenService) VerifyToken(ctx context.Context, raw string) (claims *Claims, err error) {
	ctx, span := tracer.Start(ctx, "auth.VerifyToken")
	defer func() { endSpan(span, err) }()

	if raw == "" {
		return nil, s.denyToken(ctx, ErrTokenInvalid, map[string]any{"reason": "missing_token"})
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims = &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	}); err != nil {
		return nil, s.denyToken(ctx, ErrTokenInvalid, map[string]any{"reason": "invalid_token", "details": err.Error()})
	}

	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(s.clock(), true) {
		return nil, s.denyToken(ctx, ErrTokenExpired, map[string]any{"reason": "expired_token", "sub": claims.Subject})
	}
	if claims.Subject == "" || (claims.Kind != KindUser && claims.Kind != KindDevice) {
		return nil, s.denyToken(ctx, ErrTokenInvalid, map[string]any{"reason": "invalid_token", "details": "malformed claims"})
	}

	span.SetAttributes(
		attribute.String("auth.subject", claims.Subject),
		attribute.String("auth.kind", string(claims.Kind)),
	)
	return claims, nil
}

func (s *TokenService) denyToken(ctx context.Context, err error, details map[string]any) error {
	s.events.RecordWithSeverity(ctx, events.TypeAuthFailure, events.SeverityWarning, details)
	return err
}

func (s *TokenService) sign(claims Claims, subject string, ttl time.Duration) (*Token, error) {
	now := s.clock().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Value: value, Claims: &claims, ExpiresAt: expires}, nil
}

// recordInternal records the underlying cause for operators and returns a
// generic error for the caller.
func recordInternal(ctx context.Context, recorder EventRecorder, op string, cause error) error {
	recorder.RecordWithSeverity(ctx, events.TypeInternalError, events.SeverityWarning, map[string]any{
		"operation": op,
		"cause":     cause.Error(),
	})
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, cause)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("auth.reason", Reason(err)))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
