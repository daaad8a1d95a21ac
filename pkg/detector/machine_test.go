package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int) time.Time {
	return time.Unix(1_700_000_000+int64(sec), 0)
}

func TestMachineLifecycle(t *testing.T) {
	m := NewMachine(DefaultConfig(), "mouse")

	_, ok := m.Step(at(0), Sample{Rate: 3})
	require.False(t, ok)
	assert.Equal(t, PhaseIdle, m.State().Phase)

	tr, ok := m.Step(at(1), Sample{Rate: 120})
	require.True(t, ok)
	assert.Equal(t, PhaseIdle, tr.From)
	assert.Equal(t, PhaseAttacking, tr.To)
	assert.Equal(t, "ping_flood", tr.AttackType)
	assert.Equal(t, 120.0, tr.Intensity)
	assert.Equal(t, at(1), m.State().AttackStart)

	// cleared before the minimum duration
	for _, sec := range []int{2, 3, 4, 5} {
		_, ok = m.Step(at(sec), Sample{Rate: 0})
		require.False(t, ok, "t=%d", sec)
	}
	assert.Equal(t, PhaseAttacking, m.State().Phase)

	tr, ok = m.Step(at(6), Sample{Rate: 0})
	require.True(t, ok)
	assert.Equal(t, PhaseCooldown, tr.To)
	assert.Equal(t, 5*time.Second, tr.Duration)
	assert.Equal(t, at(16), m.State().CooldownUntil)
	assert.True(t, m.State().AttackStart.IsZero())

	// spike inside cooldown is suppressed
	_, ok = m.Step(at(10), Sample{Rate: 500})
	require.False(t, ok)
	assert.Equal(t, PhaseCooldown, m.State().Phase)

	_, ok = m.Step(at(15), Sample{Rate: 0})
	require.False(t, ok)

	tr, ok = m.Step(at(16), Sample{Rate: 0})
	require.True(t, ok)
	assert.Equal(t, PhaseIdle, tr.To)
	assert.Equal(t, State{Phase: PhaseIdle}, m.State())

	tr, ok = m.Step(at(17), Sample{Rate: 51})
	require.True(t, ok)
	assert.Equal(t, PhaseAttacking, tr.To)
}

func TestMachineSustainedAttackStaysAttacking(t *testing.T) {
	m := NewMachine(DefaultConfig(), "keyboard")
	_, ok := m.Step(at(0), Sample{Rate: 60})
	require.True(t, ok)
	for sec := 1; sec <= 30; sec++ {
		_, ok = m.Step(at(sec), Sample{Rate: 60 + float64(sec)})
		require.False(t, ok)
	}
	st := m.State()
	assert.Equal(t, PhaseAttacking, st.Phase)
	assert.Equal(t, "key_injection", st.AttackType)
	assert.Equal(t, 90.0, st.Intensity)
}

func TestMachineThresholdIsExclusive(t *testing.T) {
	m := NewMachine(DefaultConfig(), "headset")
	_, ok := m.Step(at(0), Sample{Rate: DefaultThreshold})
	require.False(t, ok)
	tr, ok := m.Step(at(1), Sample{Rate: DefaultThreshold + 0.1, AttackType: "audio_spoof"})
	require.True(t, ok)
	assert.Equal(t, "audio_spoof", tr.AttackType)
}

func TestAttackTypeFor(t *testing.T) {
	assert.Equal(t, "ping_flood", AttackTypeFor("mouse"))
	assert.Equal(t, "key_injection", AttackTypeFor("keyboard"))
	assert.Equal(t, "event_flood", AttackTypeFor("headset"))
	assert.Equal(t, "event_flood", AttackTypeFor(""))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.Tick = 0
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.Threshold = -1
	require.Error(t, bad.Validate())
}

func TestRateCounter(t *testing.T) {
	now := at(0)
	c := NewRateCounter(func() time.Time { return now })

	c.Observe("m1", 10)
	now = now.Add(2 * time.Second)
	c.Observe("m1", 90)
	s, err := c.Sample("m1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.Rate)

	// window was reset
	now = now.Add(time.Second)
	s, err = c.Sample("m1")
	require.NoError(t, err)
	assert.Zero(t, s.Rate)

	c.Report("m1", 200, "key_injection")
	c.Report("m1", 80, "other")
	s, err = c.Sample("m1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, s.Rate)
	assert.Equal(t, "key_injection", s.AttackType)

	s, err = c.Sample("m1")
	require.NoError(t, err)
	assert.Zero(t, s.Rate)
	assert.Empty(t, s.AttackType)
}

func TestRateCounterShortWindow(t *testing.T) {
	now := at(0)
	c := NewRateCounter(func() time.Time { return now })
	c.Observe("m1", 30)
	now = now.Add(100 * time.Millisecond)
	s, err := c.Sample("m1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, s.Rate)
}
