package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Identity is a device's credentials as held by the agent.
type Identity struct {
	ClientID   string `json:"client_id"`
	Secret     string `json:"client_secret"`
	Name       string `json:"name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// TokenResponse is the body returned by the login and token endpoints.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Role      string `json:"role,omitempty"`
}

// GenerateIdentity creates a fresh client id and a random 32-byte secret.
func GenerateIdentity(name, deviceType string) (*Identity, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return &Identity{
		ClientID:   uuid.NewString(),
		Secret:     base64.StdEncoding.EncodeToString(buf),
		Name:       name,
		DeviceType: deviceType,
	}, nil
}

// TokenRequest builds a token request for the identity at time now. The
// secret travels only when register is set; otherwise the request is signed.
func (i *Identity) TokenRequest(now time.Time, register bool) DeviceTokenRequest {
	ts := now.Unix()
	req := DeviceTokenRequest{
		ClientID:   i.ClientID,
		Timestamp:  ts,
		DeviceType: i.DeviceType,
		Name:       i.Name,
	}
	if register {
		req.Secret = i.Secret
	} else {
		req.Signature = SignTokenRequest(i.ClientID, ts, i.Secret)
	}
	return req
}

// Save stores the identity to disk with 0600 permissions.
func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity reads an identity written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	if id.ClientID == "" || id.Secret == "" {
		return nil, errors.New("identity file is missing client_id or client_secret")
	}
	return &id, nil
}
