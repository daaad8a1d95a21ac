// Package ingest keeps recent device telemetry. Payloads are opaque; only
// the device id and arrival time are interpreted.
package ingest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
)

const DefaultRetain = 100

var ErrEmptyPayload = errors.New("empty telemetry payload")

type Telemetry struct {
	DeviceID   string          `json:"device_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Upload is an opaque (usually encrypted) metrics blob.
type Upload struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int       `json:"size"`
	Data       []byte    `json:"-"`
}

type deviceLog struct {
	mu        sync.RWMutex
	telemetry []Telemetry
	uploads   []Upload
}

// Store retains the newest Retain telemetry payloads and uploads per device.
type Store struct {
	retain int
	clock  func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceLog
}

func NewStore(retain int, clock func() time.Time) *Store {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{retain: retain, clock: clock, devices: make(map[string]*deviceLog)}
}

func (s *Store) device(id string, create bool) *deviceLog {
	s.mu.RLock()
	d := s.devices[id]
	s.mu.RUnlock()
	if d != nil || !create {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d = s.devices[id]; d == nil {
		d = &deviceLog{}
		s.devices[id] = d
	}
	return d
}

// AddTelemetry stores a copy of payload and returns the stored record.
func (s *Store) AddTelemetry(deviceID string, payload []byte) (Telemetry, error) {
	if len(payload) == 0 {
		return Telemetry{}, ErrEmptyPayload
	}
	rec := Telemetry{
		DeviceID:   deviceID,
		ReceivedAt: s.clock().UTC(),
		Payload:    append(json.RawMessage(nil), payload...),
	}
	d := s.device(deviceID, true)
	d.mu.Lock()
	d.telemetry = trim(append(d.telemetry, rec), s.retain)
	d.mu.Unlock()
	return rec, nil
}

// Telemetry returns a device's retained payloads, oldest first.
func (s *Store) Telemetry(deviceID string) []Telemetry {
	d := s.device(deviceID, false)
	if d == nil {
		return []Telemetry{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Telemetry{}, d.telemetry...)
}

func (s *Store) AddUpload(deviceID string, data []byte) (Upload, error) {
	if len(data) == 0 {
		return Upload{}, ErrEmptyPayload
	}
	up := Upload{
		ID:         xid.New().String(),
		DeviceID:   deviceID,
		ReceivedAt: s.clock().UTC(),
		Size:       len(data),
		Data:       append([]byte(nil), data...),
	}
	d := s.device(deviceID, true)
	d.mu.Lock()
	d.uploads = trim(append(d.uploads, up), s.retain)
	d.mu.Unlock()
	return up, nil
}

func (s *Store) Uploads(deviceID string) []Upload {
	d := s.device(deviceID, false)
	if d == nil {
		return []Upload{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Upload{}, d.uploads...)
}

// Forget drops everything held for a device.
func (s *Store) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}

func trim[T any](items []T, limit int) []T {
	if over := len(items) - limit; over > 0 {
		n := copy(items, items[over:])
		clear(items[n:])
		items = items[:n]
	}
	return items
}
