package auth

import "errors"

// Denial reasons returned to callers. Each denial also records exactly one
// security event.
var (
	ErrMissingHeaders       = errors.New("missing required headers")
	ErrUnknownClient        = errors.New("unknown client")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrReplayRejected       = errors.New("timestamp outside freshness window")
	ErrRegistrationRequired = errors.New("client secret required for registration")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("invalid token")

	// ErrInternal wraps faults unrelated to caller input.
	ErrInternal = errors.New("internal error")
)

// Reason returns the stable reason code for err, as written into event
// details.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, ErrUnknownClient):
		return "unknown_client"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrReplayRejected):
		return "timestamp_invalid"
	case errors.Is(err, ErrRegistrationRequired):
		return "registration_required"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "expired_token"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid_token"
	default:
		return "internal_error"
	}
}
