package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/auth"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/gearwatch/agent"

// tokenSlack renews a device token this long before it expires.
const tokenSlack = 30 * time.Second

// collectorClient talks to the gearwatch collector on behalf of one device.
type collectorClient struct {
	baseURL  string
	http     *http.Client
	retry    *retrier
	identity *auth.Identity
	logger   zerolog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	// registered is false until the collector has accepted the identity.
	registered bool
}

func newCollectorClient(baseURL string, client *http.Client, retry *retrier, identity *auth.Identity, registered bool, logger zerolog.Logger) *collectorClient {
	return &collectorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       client,
		retry:      retry,
		identity:   identity,
		logger:     logger,
		clock:      time.Now,
		registered: registered,
	}
}

// Token returns a valid device token, requesting a new one when the cached
// token is missing or about to expire. A fresh identity registers itself on
// first use; a known identity signs the request and falls back to
// registration when the collector does not know it.
func (c *collectorClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.clock().Add(tokenSlack).Before(c.expiresAt) {
		return c.token, nil
	}

	resp, err := c.requestToken(ctx, !c.registered)
	var se *statusError
	if c.registered && errors.As(err, &se) && se.status == http.StatusBadRequest && strings.Contains(se.message, "registration") {
		c.logger.Info().Str("client_id", c.identity.ClientID).Msg("collector does not know this device, registering")
		resp, err = c.requestToken(ctx, true)
	}
	if err != nil {
		return "", err
	}

	c.registered = true
	c.token = resp.Token
	c.expiresAt = c.clock().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *collectorClient) requestToken(ctx context.Context, register bool) (*auth.TokenResponse, error) {
	var out auth.TokenResponse
	err := c.retry.do(ctx, func() error {
		body, err := json.Marshal(c.identity.TokenRequest(c.clock(), register))
		if err != nil {
			return err
		}
		return c.send(ctx, http.MethodPost, "/api/auth/token", body, nil, &out)
	}, isRetryableHTTP)
	if err != nil {
		return nil, fmt.Errorf("device token: %w", err)
	}
	return &out, nil
}

// invalidate drops the cached token so the next Token call fetches a new one.
func (c *collectorClient) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// SendTelemetry posts a signed telemetry payload.
func (c *collectorClient) SendTelemetry(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.postSigned(ctx, "/api/metrics/iot_data", body, false)
}

// SendAlert reports an alert raised by the device itself.
func (c *collectorClient) SendAlert(ctx context.Context, alertType string, details map[string]any) error {
	body, err := json.Marshal(map[string]any{"alert_type": alertType, "details": details})
	if err != nil {
		return err
	}
	return c.postSigned(ctx, "/api/security/alert", body, false)
}

// Upload seals payload with a key derived from the device secret and stores
// it on the collector, which keeps the blob opaque.
func (c *collectorClient) Upload(ctx context.Context, payload []byte) error {
	sealed, err := seal(c.identity.Secret, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"encrypted_data": base64.StdEncoding.EncodeToString(sealed)})
	if err != nil {
		return err
	}
	err = c.postSigned(ctx, "/api/metrics/upload", body, true)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusUnauthorized {
		// the token may have been invalidated server side; one fresh attempt
		c.invalidate()
		err = c.postSigned(ctx, "/api/metrics/upload", body, true)
	}
	return err
}

func (c *collectorClient) postSigned(ctx context.Context, path string, body []byte, withToken bool) error {
	signed, err := auth.CreateSignedRequest(c.identity, body)
	if err != nil {
		return err
	}
	headers := map[string]string{
		auth.HeaderClientID:  signed.ClientID,
		auth.HeaderSignature: signed.Signature,
	}
	if withToken {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
	}
	return c.retry.do(ctx, func() error {
		return c.send(ctx, http.MethodPost, path, signed.Body, headers, nil)
	}, isRetryableHTTP)
}

func (c *collectorClient) send(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &statusError{status: resp.StatusCode, message: apiErr.Error}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// seal encrypts plaintext with AES-256-GCM under SHA-256(secret). The nonce
// is prepended to the ciphertext.
func seal(secret string, plaintext []byte) ([]byte, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
