package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/haasonsaas/gearwatch/pkg/config"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCollector accepts token requests and signed posts from one device.
type fakeCollector struct {
	t        *testing.T
	secret   string
	known    bool
	failures int

	mu         sync.Mutex
	tokenReqs  []auth.DeviceTokenRequest
	telemetry  []map[string]any
	alerts     []string
	uploads    []string
	bearerSeen []string
}

func (f *fakeCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(r.Body)

	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if r.URL.Path == "/api/auth/token" {
		var req auth.DeviceTokenRequest
		require.NoError(f.t, json.Unmarshal(body, &req))
		f.tokenReqs = append(f.tokenReqs, req)
		switch {
		case req.Secret != "":
			f.known = true
		case !f.known:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"client secret required for registration"}`))
			return
		case req.Signature != auth.SignTokenRequest(req.ClientID, req.Timestamp, f.secret):
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok-` + req.ClientID + `","expires_in":1800}`))
		return
	}

	want, err := auth.Sign(f.secret, body)
	require.NoError(f.t, err)
	if r.Header.Get(auth.HeaderSignature) != want {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.bearerSeen = append(f.bearerSeen, r.Header.Get("Authorization"))

	var payload map[string]any
	require.NoError(f.t, json.Unmarshal(body, &payload))
	switch r.URL.Path {
	case "/api/metrics/iot_data":
		f.telemetry = append(f.telemetry, payload)
	case "/api/security/alert":
		f.alerts = append(f.alerts, payload["alert_type"].(string))
	case "/api/metrics/upload":
		f.uploads = append(f.uploads, payload["encrypted_data"].(string))
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func newTestClient(t *testing.T, f *fakeCollector, registered bool) *collectorClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	id := &auth.Identity{ClientID: "mouse-7", Secret: f.secret, DeviceType: "mouse"}
	return newCollectorClient(srv.URL, srv.Client(), newRetrier(1, 2, 3), id, registered, zerolog.Nop())
}

func unseal(secret string, sealed []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func TestTokenRegistersFreshIdentity(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret"}
	c := newTestClient(t, f, false)

	token, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-mouse-7", token)
	require.Len(t, f.tokenReqs, 1)
	assert.Equal(t, "s3cret", f.tokenReqs[0].Secret)
	assert.Empty(t, f.tokenReqs[0].Signature)

	// cached until close to expiry
	_, err = c.Token(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.tokenReqs, 1)

	c.clock = func() time.Time { return time.Now().Add(29*time.Minute + 45*time.Second) }
	_, err = c.Token(context.Background())
	require.NoError(t, err)
	require.Len(t, f.tokenReqs, 2)
	assert.Empty(t, f.tokenReqs[1].Secret)
	assert.NotEmpty(t, f.tokenReqs[1].Signature)
}

func TestTokenFallsBackToRegistration(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret"}
	c := newTestClient(t, f, true)

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Len(t, f.tokenReqs, 2)
	assert.NotEmpty(t, f.tokenReqs[0].Signature)
	assert.Equal(t, "s3cret", f.tokenReqs[1].Secret)
}

func TestTokenRetriesUnavailableCollector(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret", known: true, failures: 2}
	c := newTestClient(t, f, true)

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.tokenReqs, 1)
}

func TestSignedPosts(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret", known: true}
	c := newTestClient(t, f, true)
	ctx := context.Background()

	require.NoError(t, c.SendTelemetry(ctx, map[string]any{"events_per_second": 2.5, "dpi": 1600}))
	require.NoError(t, c.SendAlert(ctx, events.AlertAttackDetected, map[string]any{"packet_rate": 400}))
	require.NoError(t, c.Upload(ctx, []byte(`{"dpi":1600}`)))

	require.Len(t, f.telemetry, 1)
	assert.Equal(t, 2.5, f.telemetry[0]["events_per_second"])
	assert.Equal(t, []string{events.AlertAttackDetected}, f.alerts)
	assert.Equal(t, []string{"", "", "Bearer tok-mouse-7"}, f.bearerSeen)

	require.Len(t, f.uploads, 1)
	sealed, err := base64.StdEncoding.DecodeString(f.uploads[0])
	require.NoError(t, err)
	plain, err := unseal("s3cret", sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dpi":1600}`, string(plain))
}

func TestSignedPostRejectedWithWrongSecret(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret", known: true}
	c := newTestClient(t, f, true)
	c.identity.Secret = "other"

	err := c.SendTelemetry(context.Background(), map[string]any{"x": 1})
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.status)
}

func TestCheckFloodAlertsOncePerEpisode(t *testing.T) {
	f := &fakeCollector{t: t, secret: "s3cret", known: true}
	a := &Agent{
		config:  config.DefaultAgentConfig(),
		client:  newTestClient(t, f, true),
		sampler: newSampler("keyboard", 1, 0),
	}
	ctx := context.Background()

	a.checkFlood(ctx, reading{PacketRate: 3, Payload: map[string]any{}})
	a.checkFlood(ctx, reading{PacketRate: 400, Payload: map[string]any{"attack_type": "key_injection"}})
	a.checkFlood(ctx, reading{PacketRate: 450, Payload: map[string]any{"attack_type": "key_injection"}})
	a.checkFlood(ctx, reading{PacketRate: 2, Payload: map[string]any{}})

	assert.Equal(t, []string{events.AlertAttackDetected, events.AlertAttackResolved}, f.alerts)
}
