// Package detector watches per-device event rates and tracks each device
// through the Idle, Attacking and Cooldown phases.
package detector

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultThreshold   = 50.0
	DefaultMinDuration = 5 * time.Second
	DefaultCooldown    = 10 * time.Second
	DefaultTick        = time.Second
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAttacking
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAttacking:
		return "attacking"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*p = PhaseIdle
	case "attacking":
		*p = PhaseAttacking
	case "cooldown":
		*p = PhaseCooldown
	default:
		return fmt.Errorf("unknown detector phase %q", text)
	}
	return nil
}

type Config struct {
	// Threshold is the event rate (events per second) above which a device
	// is considered under attack.
	Threshold   float64
	MinDuration time.Duration
	Cooldown    time.Duration
	Tick        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		MinDuration: DefaultMinDuration,
		Cooldown:    DefaultCooldown,
		Tick:        DefaultTick,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Threshold <= 0:
		return errors.New("detector threshold must be positive")
	case c.MinDuration < 0:
		return errors.New("detector min duration must not be negative")
	case c.Cooldown < 0:
		return errors.New("detector cooldown must not be negative")
	case c.Tick <= 0:
		return errors.New("detector tick must be positive")
	}
	return nil
}

// Sample is one observation of a device's event rate.
type Sample struct {
	Rate float64
	// AttackType is set when the device reported the kind of attack itself.
	AttackType string
}

// State is a device's attack state. AttackStart is only set while
// Attacking, CooldownUntil only while in Cooldown.
type State struct {
	Phase         Phase
	AttackStart   time.Time
	CooldownUntil time.Time
	AttackType    string
	Intensity     float64
}

// Transition describes a phase change produced by Machine.Step.
type Transition struct {
	From       Phase
	To         Phase
	At         time.Time
	AttackType string
	Intensity  float64
	// Duration is set on Attacking -> Cooldown.
	Duration time.Duration
}

// Machine is the state machine for a single device. It is not safe for
// concurrent use; a Monitor owns exactly one.
type Machine struct {
	cfg        Config
	deviceType string
	state      State
}

func NewMachine(cfg Config, deviceType string) *Machine {
	return &Machine{cfg: cfg, deviceType: deviceType}
}

func (m *Machine) State() State {
	return m.state
}

// Step evaluates one sample taken at now and applies at most one transition.
func (m *Machine) Step(now time.Time, s Sample) (Transition, bool) {
	prev := m.state.Phase
	switch prev {
	case PhaseIdle:
		if s.Rate <= m.cfg.Threshold {
			return Transition{}, false
		}
		attackType := s.AttackType
		if attackType == "" {
			attackType = AttackTypeFor(m.deviceType)
		}
		m.state = State{
			Phase:       PhaseAttacking,
			AttackStart: now,
			AttackType:  attackType,
			Intensity:   s.Rate,
		}
		return Transition{From: prev, To: PhaseAttacking, At: now, AttackType: attackType, Intensity: s.Rate}, true

	case PhaseAttacking:
		if s.Rate > m.state.Intensity {
			m.state.Intensity = s.Rate
		}
		elapsed := now.Sub(m.state.AttackStart)
		if elapsed < m.cfg.MinDuration || s.Rate > m.cfg.Threshold {
			return Transition{}, false
		}
		t := Transition{
			From:       prev,
			To:         PhaseCooldown,
			At:         now,
			AttackType: m.state.AttackType,
			Intensity:  m.state.Intensity,
			Duration:   elapsed,
		}
		m.state = State{
			Phase:         PhaseCooldown,
			CooldownUntil: now.Add(m.cfg.Cooldown),
			AttackType:    m.state.AttackType,
		}
		return t, true

	case PhaseCooldown:
		// spikes during cooldown are ignored
		if now.Before(m.state.CooldownUntil) {
			return Transition{}, false
		}
		m.state = State{Phase: PhaseIdle}
		return Transition{From: prev, To: PhaseIdle, At: now}, true
	}
	return Transition{}, false
}

// AttackTypeFor names the attack a device of the given type is most likely
// to be hit with.
func AttackTypeFor(deviceType string) string {
	switch deviceType {
	case "mouse":
		return "ping_flood"
	case "keyboard":
		return "key_injection"
	default:
		return "event_flood"
	}
}
