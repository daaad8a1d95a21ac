package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/credentials"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T) (*Verifier, *events.Bus) {
	t.Helper()
	store := credentials.NewStore()
	for id, secret := range map[string]string{"mouse-001": "secret_mouse", "keyboard-001": "secret_keyboard"} {
		_, err := store.RegisterDevice(credentials.Device{ClientID: id, Secret: secret})
		require.NoError(t, err)
	}
	bus := events.New(zerolog.Nop())
	return NewVerifier(store, bus), bus
}

func TestVerifyRequestRoundTrip(t *testing.T) {
	v, bus := newVerifier(t)
	payloads := []string{
		`{}`,
		`{"events_per_second":12.5,"device_id":"mouse-001"}`,
		`{"b":[1,2,{"z":null,"a":true}],"a":"café"}`,
		`{"nested":{"deep":{"n":1e21}}}`,
	}
	for _, secret := range []struct{ id, secret string }{{"mouse-001", "secret_mouse"}, {"keyboard-001", "secret_keyboard"}} {
		for _, p := range payloads {
			sig, err := Sign(secret.secret, []byte(p))
			require.NoError(t, err)
			require.NoError(t, v.VerifyRequest(context.Background(), secret.id, []byte(p), sig), p)
		}
	}
	assert.Zero(t, bus.Len())
}

func TestVerifyRequestIgnoresKeyOrderAndWhitespace(t *testing.T) {
	v, _ := newVerifier(t)
	sig, err := Sign("secret_mouse", []byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.NoError(t, v.VerifyRequest(context.Background(), "mouse-001", []byte("{ \"b\" : 2,\n \"a\": 1 }"), sig))
}

func TestVerifyRequestMutations(t *testing.T) {
	v, bus := newVerifier(t)
	body := []byte(`{"metric":"clicks","value":42}`)
	sig, err := Sign("secret_mouse", body)
	require.NoError(t, err)

	mutatedBody := []byte(`{"metric":"clicks","value":43}`)
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	tests := []struct {
		name      string
		clientID  string
		body      []byte
		signature string
		want      error
		reason    string
	}{
		{name: "payload mutated", clientID: "mouse-001", body: mutatedBody, signature: sig, want: ErrInvalidSignature, reason: "invalid_signature"},
		{name: "signature mutated", clientID: "mouse-001", body: body, signature: string(flipped), want: ErrInvalidSignature, reason: "invalid_signature"},
		{name: "other device secret", clientID: "keyboard-001", body: body, signature: sig, want: ErrInvalidSignature, reason: "invalid_signature"},
		{name: "not json", clientID: "mouse-001", body: []byte(`{"value":`), signature: sig, want: ErrInvalidSignature, reason: "invalid_payload"},
		{name: "missing client", clientID: "", body: body, signature: sig, want: ErrMissingHeaders, reason: "missing_headers"},
		{name: "missing signature", clientID: "mouse-001", body: body, signature: "", want: ErrMissingHeaders, reason: "missing_headers"},
		{name: "unknown client", clientID: "ghost", body: body, signature: sig, want: ErrUnknownClient, reason: "unknown_client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := bus.Len()
			err := v.VerifyRequest(context.Background(), tt.clientID, tt.body, tt.signature)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, before+1, bus.Len())
			last := bus.Query("")[before]
			assert.Equal(t, events.TypeSignatureFailure, last.Type)
			assert.Equal(t, events.SeverityWarning, last.Severity)
			assert.Equal(t, tt.reason, last.Details["reason"])
		})
	}
}

func TestVerifyRequestRejectsCollidingPayloads(t *testing.T) {
	v, bus := newVerifier(t)

	// each body would canonicalize to signedForm if decoding were lenient
	tests := []struct {
		name       string
		signedForm string
		body       []byte
	}{
		{name: "invalid utf8", signedForm: "{\"s\":\"\ufffd\"}", body: []byte("{\"s\":\"\xfe\"}")},
		{name: "duplicate key", signedForm: `{"a":2}`, body: []byte(`{"a":9,"a":2}`)},
		{name: "rounded integer", signedForm: `{"n":12345678901234567000}`, body: []byte(`{"n":12345678901234567892}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := computeHMAC("secret_mouse", []byte(tt.signedForm))
			before := bus.Len()
			err := v.VerifyRequest(context.Background(), "mouse-001", tt.body, sig)
			require.ErrorIs(t, err, ErrInvalidSignature)
			require.Equal(t, before+1, bus.Len())
			assert.Equal(t, "invalid_payload", bus.Query("")[before].Details["reason"])

			_, err = Sign("secret_mouse", tt.body)
			require.Error(t, err)
		})
	}
}

type brokenSecrets struct{}

func (brokenSecrets) Secret(string) (string, error) { return "", errors.New("disk on fire") }

func TestVerifyRequestInternalFault(t *testing.T) {
	bus := events.New(zerolog.Nop())
	v := NewVerifier(brokenSecrets{}, bus)
	err := v.VerifyRequest(context.Background(), "mouse-001", []byte(`{}`), "00")
	require.ErrorIs(t, err, ErrInternal)

	evts := bus.Query("")
	require.Len(t, evts, 1)
	assert.Equal(t, events.TypeInternalError, evts[0].Type)
	assert.Equal(t, "disk on fire", evts[0].Details["cause"])
}

func TestSignTokenRequestMessage(t *testing.T) {
	// HMAC-SHA256("k", "c:1")
	want := computeHMAC("k", []byte("c:1"))
	assert.Equal(t, want, SignTokenRequest("c", 1, "k"))
	assert.Len(t, want, 64)
	assert.NotEqual(t, want, SignTokenRequest("c", 2, "k"))
}

func TestIdentitySaveLoad(t *testing.T) {
	id, err := GenerateIdentity("Pro Mouse", "mouse")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	require.NoError(t, id.Save(path))

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, id, loaded)

	signed, err := CreateSignedRequest(loaded, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, id.ClientID, signed.ClientID)
	want, err := Sign(id.Secret, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, want, signed.Signature)
}

func TestIdentityTokenRequest(t *testing.T) {
	id := &Identity{ClientID: "kb", Secret: "s", DeviceType: "keyboard"}
	now := time.Unix(1000, 0)

	reg := id.TokenRequest(now, true)
	assert.Equal(t, "s", reg.Secret)
	assert.Empty(t, reg.Signature)

	signed := id.TokenRequest(now, false)
	assert.Empty(t, signed.Secret)
	assert.Equal(t, SignTokenRequest("kb", 1000, "s"), signed.Signature)
}
