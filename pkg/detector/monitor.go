package detector

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrWorkerStuck is returned by Stop when a monitor does not exit within its
// join timeout.
var ErrWorkerStuck = errors.New("detector worker did not stop in time")

// SampleSource supplies the event-rate signal for a device.
type SampleSource interface {
	Sample(deviceID string) (Sample, error)
}

// Report is what a monitor sends to its supervisor after every tick.
type Report struct {
	DeviceID   string
	DeviceType string
	At         time.Time
	State      State
	Rate       float64
	Transition *Transition
	Err        error
}

// Monitor runs one device's Machine on a fixed tick. The machine is only
// touched from the monitor goroutine.
type Monitor struct {
	deviceID   string
	deviceType string
	machine    *Machine
	source     SampleSource
	reports    chan<- Report
	clock      func() time.Time
	tick       time.Duration
	logger     zerolog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMonitor(deviceID, deviceType string, cfg Config, source SampleSource, reports chan<- Report, clock func() time.Time, logger zerolog.Logger) *Monitor {
	return &Monitor{
		deviceID:   deviceID,
		deviceType: deviceType,
		machine:    NewMachine(cfg, deviceType),
		source:     source,
		reports:    reports,
		clock:      clock,
		tick:       cfg.Tick,
		logger:     logger.With().Str("device_id", deviceID).Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *Monitor) start() {
	go m.run()
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		report := m.step()
		select {
		case m.reports <- report:
		case <-m.stop:
			return
		}
	}
}

// step runs a single tick. A failing or panicking tick is reported and the
// loop carries on with the next one.
func (m *Monitor) step() (report Report) {
	now := m.clock()
	report = Report{DeviceID: m.deviceID, DeviceType: m.deviceType, At: now}

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("tick panic: %v", r)
		}
		if report.Err != nil {
			m.logger.Warn().Err(report.Err).Msg("detector tick failed")
		}
		report.State = m.machine.State()
	}()

	sample, err := m.source.Sample(m.deviceID)
	if err != nil {
		report.Err = fmt.Errorf("sample: %w", err)
		return report
	}
	report.Rate = sample.Rate
	if t, ok := m.machine.Step(now, sample); ok {
		report.Transition = &t
	}
	return report
}

// Stop signals the monitor and waits up to timeout for it to exit. The
// timeout is raised to two ticks if shorter.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.stopOnce.Do(func() { close(m.stop) })
	if floor := 2 * m.tick; timeout < floor {
		timeout = floor
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrWorkerStuck, m.deviceID)
	}
}
