package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device already registered")
	ErrInvalidDevice  = errors.New("device requires client id and secret")
	ErrInvalidRole    = errors.New("invalid role")
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

const (
	StatusActive = "active"

	DeviceTypeUnknown = "unknown"
)

// User is a human principal. PasswordHash is a bcrypt hash.
type User struct {
	Username     string
	PasswordHash []byte
	Role         Role
}

// Device is a peripheral principal. ClientID never changes once assigned.
type Device struct {
	ClientID     string    `json:"client_id"`
	Secret       string    `json:"-"`
	Name         string    `json:"name"`
	DeviceType   string    `json:"device_type"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Listener is told about device lifecycle changes in the order they were
// applied. It is called without the read lock held, so it may query the
// store, but it must not register or remove devices.
type Listener interface {
	DeviceRegistered(Device)
	DeviceRemoved(clientID string)
}

// Store owns every principal record. Reads vastly outnumber writes, which
// only happen on registration and removal.
type Store struct {
	// lifecycle serializes a device change together with its notifications.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	users     map[string]User
	devices   map[string]Device
	listeners []Listener
	clock     func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for registration timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		users:   make(map[string]User),
		devices: make(map[string]Device),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener must be called during wiring, before the store is shared.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// PutUser stores a user with an already computed bcrypt hash.
func (s *Store) PutUser(username string, passwordHash []byte, role Role) error {
	if role != RoleAdmin && role != RoleUser {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = User{
		Username:     username,
		PasswordHash: append([]byte(nil), passwordHash...),
		Role:         role,
	}
	return nil
}

// PutUserPassword hashes password with bcrypt and stores the user.
func (s *Store) PutUserPassword(username, password string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", username, err)
	}
	return s.PutUser(username, hash, role)
}

func (s *Store) User(username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// RegisterDevice stores a new device. Registering an existing client id
// fails with ErrDeviceExists and leaves the stored record untouched.
func (s *Store) RegisterDevice(d Device) (Device, error) {
	if d.ClientID == "" || d.Secret == "" {
		return Device{}, ErrInvalidDevice
	}
	if d.Name == "" {
		d.Name = defaultName(d.ClientID)
	}
	if d.DeviceType == "" {
		d.DeviceType = DeviceTypeUnknown
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = s.clock().UTC()
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if _, exists := s.devices[d.ClientID]; exists {
		s.mu.Unlock()
		return Device{}, ErrDeviceExists
	}
	s.devices[d.ClientID] = d
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.DeviceRegistered(d)
	}
	return d, nil
}

// GenerateDevice registers a device under a fresh uuid client id and a random
// 32-byte secret.
func (s *Store) GenerateDevice(name, deviceType string) (Device, error) {
	secret, err := randomSecret()
	if err != nil {
		return Device{}, fmt.Errorf("generate device secret: %w", err)
	}
	return s.RegisterDevice(Device{
		ClientID:   uuid.NewString(),
		Secret:     secret,
		Name:       name,
		DeviceType: deviceType,
	})
}

func (s *Store) RemoveDevice(clientID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if _, ok := s.devices[clientID]; !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(s.devices, clientID)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.DeviceRemoved(clientID)
	}
	return nil
}

func (s *Store) Device(clientID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[clientID]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

// Secret resolves the shared secret for a device.
func (s *Store) Secret(clientID string) (string, error) {
	d, err := s.Device(clientID)
	if err != nil {
		return "", err
	}
	return d.Secret, nil
}

// Devices lists all devices ordered by client id.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func defaultName(clientID string) string {
	short := clientID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Device " + short
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
