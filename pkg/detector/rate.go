package detector

import (
	"math"
	"sync"
	"time"
)

// RateCounter turns telemetry arrivals into per-device event rates. Devices
// may also self-report a rate; Sample returns whichever is higher and starts
// a new window.
type RateCounter struct {
	clock   func() time.Time
	windows sync.Map // device id -> *rateWindow
}

type rateWindow struct {
	mu         sync.Mutex
	count      int
	since      time.Time
	reported   float64
	attackType string
}

func NewRateCounter(clock func() time.Time) *RateCounter {
	if clock == nil {
		clock = time.Now
	}
	return &RateCounter{clock: clock}
}

func (c *RateCounter) window(deviceID string) *rateWindow {
	if w, ok := c.windows.Load(deviceID); ok {
		return w.(*rateWindow)
	}
	w, _ := c.windows.LoadOrStore(deviceID, &rateWindow{since: c.clock()})
	return w.(*rateWindow)
}

// Observe counts n events for deviceID in the current window.
func (c *RateCounter) Observe(deviceID string, n int) {
	if n <= 0 {
		return
	}
	w := c.window(deviceID)
	w.mu.Lock()
	w.count += n
	w.mu.Unlock()
}

// Report records a self-reported rate, kept until the next Sample.
func (c *RateCounter) Report(deviceID string, rate float64, attackType string) {
	if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return
	}
	w := c.window(deviceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if rate >= w.reported {
		w.reported = rate
		w.attackType = attackType
	}
}

// Sample implements SampleSource.
func (c *RateCounter) Sample(deviceID string) (Sample, error) {
	w := c.window(deviceID)
	now := c.clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	// windows shorter than a second are measured as a full second
	secs := math.Max(now.Sub(w.since).Seconds(), 1)
	s := Sample{Rate: float64(w.count) / secs}
	if w.reported > s.Rate {
		s.Rate = w.reported
		s.AttackType = w.attackType
	}
	w.count = 0
	w.reported = 0
	w.attackType = ""
	w.since = now
	return s, nil
}

// Forget drops the window for a removed device.
func (c *RateCounter) Forget(deviceID string) {
	c.windows.Delete(deviceID)
}
