package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/credentials"
	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/rs/zerolog"
)

// Sink receives detector output.
type Sink interface {
	RecordWithSeverity(ctx context.Context, eventType string, severity events.Severity, details map[string]any) string
	RecordDeviceAlert(deviceID, eventType string, details map[string]any, severity events.Severity)
}

// Status is the read-only view of a device's detector.
type Status struct {
	DeviceID      string     `json:"device_id"`
	DeviceType    string     `json:"device_type"`
	Phase         Phase      `json:"phase"`
	UnderAttack   bool       `json:"under_attack"`
	AttackType    string     `json:"attack_type,omitempty"`
	Intensity     float64    `json:"intensity,omitempty"`
	AttackStart   *time.Time `json:"attack_start,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastRate      float64    `json:"last_rate"`
	LastTick      time.Time  `json:"last_tick,omitempty"`
	TickFailures  int        `json:"tick_failures"`
}

// Supervisor owns one Monitor per watched device. Monitors report over a
// channel; a single dispatcher goroutine turns transitions into security
// events and device alerts and keeps the status table.
type Supervisor struct {
	cfg         Config
	source      SampleSource
	sink        Sink
	logger      zerolog.Logger
	clock       func() time.Time
	stopTimeout time.Duration

	mu       sync.Mutex
	monitors map[string]*Monitor
	closed   bool

	statusMu sync.RWMutex
	status   map[string]*Status

	reports chan Report
	quit    chan struct{}
	done    chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithSupervisorClock(clock func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStopTimeout sets how long Unwatch waits for a monitor to exit.
func WithStopTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.stopTimeout = d }
}

func NewSupervisor(cfg Config, source SampleSource, sink Sink, logger zerolog.Logger, opts ...SupervisorOption) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:         cfg,
		source:      source,
		sink:        sink,
		logger:      logger.With().Str("component", "detector").Logger(),
		clock:       time.Now,
		stopTimeout: 2 * cfg.Tick,
		monitors:    make(map[string]*Monitor),
		status:      make(map[string]*Status),
		reports:     make(chan Report, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	return s, nil
}

// Watch starts monitoring deviceID. It returns false if the device is
// already watched or the supervisor is shut down.
func (s *Supervisor) Watch(deviceID, deviceType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.monitors[deviceID]; ok {
		return false
	}

	s.statusMu.Lock()
	s.status[deviceID] = &Status{DeviceID: deviceID, DeviceType: deviceType, Phase: PhaseIdle}
	s.statusMu.Unlock()

	m := newMonitor(deviceID, deviceType, s.cfg, s.source, s.reports, s.clock, s.logger)
	s.monitors[deviceID] = m
	m.start()
	s.logger.Debug().Str("device_id", deviceID).Str("device_type", deviceType).Msg("monitor started")
	return true
}

// Unwatch stops the device's monitor and forgets its status.
func (s *Supervisor) Unwatch(deviceID string) error {
	s.mu.Lock()
	m, ok := s.monitors[deviceID]
	delete(s.monitors, deviceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := m.Stop(s.stopTimeout)
	s.statusMu.Lock()
	delete(s.status, deviceID)
	s.statusMu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("monitor did not stop")
	}
	return err
}

// Watching reports whether a monitor is running for deviceID.
func (s *Supervisor) Watching(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[deviceID]
	return ok
}

func (s *Supervisor) Status(deviceID string) (Status, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[deviceID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// DeviceRegistered implements credentials.Listener.
func (s *Supervisor) DeviceRegistered(d credentials.Device) {
	s.Watch(d.ClientID, d.DeviceType)
}

// DeviceRemoved implements credentials.Listener.
func (s *Supervisor) DeviceRemoved(clientID string) {
	_ = s.Unwatch(clientID)
}

// Shutdown stops every monitor, then the dispatcher.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	monitors := s.monitors
	s.monitors = make(map[string]*Monitor)
	s.mu.Unlock()

	var errs []error
	for _, m := range monitors {
		if err := m.Stop(s.stopTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	close(s.quit)
	select {
	case <-s.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (s *Supervisor) dispatch() {
	defer close(s.done)
	for {
		select {
		case r := <-s.reports:
			s.handle(r)
		case <-s.quit:
			return
		}
	}
}

// handle records a report's events before publishing its status, so a
// status reader never sees a transition whose alert is not yet stored.
func (s *Supervisor) handle(r Report) {
	ctx := context.Background()
	switch {
	case r.Err != nil:
		s.sink.RecordWithSeverity(ctx, events.TypeDetectorTickFailed, events.SeverityWarning, map[string]any{
			"device_id": r.DeviceID,
			"error":     r.Err.Error(),
		})
	case r.Transition != nil:
		s.transition(ctx, r)
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[r.DeviceID]
	if !ok {
		return
	}
	st.LastTick = r.At
	st.Phase = r.State.Phase
	st.UnderAttack = r.State.Phase == PhaseAttacking
	st.AttackType = r.State.AttackType
	st.Intensity = r.State.Intensity
	st.AttackStart = optionalTime(r.State.AttackStart)
	st.CooldownUntil = optionalTime(r.State.CooldownUntil)
	if r.Err != nil {
		st.TickFailures++
	} else {
		st.LastRate = r.Rate
	}
}

func (s *Supervisor) transition(ctx context.Context, r Report) {
	t := r.Transition
	switch t.To {
	case PhaseAttacking:
		details := map[string]any{
			"device_id":   r.DeviceID,
			"device_type": r.DeviceType,
			"attack_type": t.AttackType,
			"intensity":   t.Intensity,
			"threshold":   s.cfg.Threshold,
		}
		s.emit(ctx, r.DeviceID, events.AlertAttackDetected, events.SeverityCritical, details)
		s.logger.Warn().Str("device_id", r.DeviceID).Str("attack_type", t.AttackType).
			Float64("intensity", t.Intensity).Msg("attack detected")
	case PhaseCooldown:
		details := map[string]any{
			"device_id":   r.DeviceID,
			"device_type": r.DeviceType,
			"attack_type": t.AttackType,
			"intensity":   t.Intensity,
			"duration":    t.Duration.Seconds(),
		}
		s.emit(ctx, r.DeviceID, events.AlertAttackResolved, events.SeverityWarning, details)
		s.logger.Info().Str("device_id", r.DeviceID).Dur("duration", t.Duration).Msg("attack resolved")
	}
}

func (s *Supervisor) emit(ctx context.Context, deviceID, alertType string, severity events.Severity, details map[string]any) {
	s.sink.RecordDeviceAlert(deviceID, alertType, details, severity)
	s.sink.RecordWithSeverity(ctx, events.IoTPrefix+alertType, severity, details)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
