package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(opts ...Option) *Bus {
	return New(zerolog.Nop(), opts...)
}

func TestRecordAppendsDistinctEntriesInOrder(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	ids := make(map[string]struct{})
	for i := 0; i < 5; i++ {
		ids[bus.Record(ctx, "device_command", map[string]any{"command": "restart"})] = struct{}{}
	}

	got := bus.Query("")
	require.Len(t, got, 5)
	require.Len(t, ids, 5)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "device_command", e.Type)
	}
}

func TestRecordDefaultSeverity(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	bus.Record(ctx, TypeAuthFailure, nil)
	bus.Record(ctx, TypeSignatureFailure, nil)
	bus.Record(ctx, TypeDeviceRegistered, nil)
	bus.RecordWithSeverity(ctx, TypeLoginFailure, SeverityInfo, nil)
	bus.RecordWithSeverity(ctx, IoTPrefix+AlertAttackDetected, SeverityCritical, nil)

	events := bus.Query("")
	require.Len(t, events, 5)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, SeverityWarning, events[1].Severity)
	assert.Equal(t, SeverityInfo, events[2].Severity)
	assert.Equal(t, SeverityInfo, events[3].Severity)
	assert.Equal(t, SeverityCritical, events[4].Severity)
}

func TestQueryFiltersBySeverityPreservingOrder(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	bus.Record(ctx, "auth_failure", map[string]any{"n": 1})
	bus.Record(ctx, "login_success", nil)
	bus.Record(ctx, "auth_failure", map[string]any{"n": 2})

	warnings := bus.Query(SeverityWarning)
	require.Len(t, warnings, 2)
	assert.Equal(t, 1, warnings[0].Details["n"])
	assert.Equal(t, 2, warnings[1].Details["n"])
	assert.Empty(t, bus.Query(SeverityCritical))
}

func TestRecordCarriesOriginFromContext(t *testing.T) {
	bus := newTestBus()
	ctx := WithOrigin(context.Background(), "10.0.0.7")
	bus.Record(ctx, TypeAuthFailure, nil)
	require.Equal(t, "10.0.0.7", bus.Query("")[0].Origin)
}

func TestRecordCopiesDetails(t *testing.T) {
	bus := newTestBus()
	details := map[string]any{"reason": "timestamp_invalid"}
	bus.Record(context.Background(), TypeAuthFailure, details)
	details["reason"] = "mutated"
	require.Equal(t, "timestamp_invalid", bus.Query("")[0].Details["reason"])
}

func TestDeviceAlertsKeepNewestHundred(t *testing.T) {
	bus := newTestBus()
	for i := 0; i < 101; i++ {
		bus.RecordDeviceAlert("mouse-001", AlertAttackDetected, map[string]any{"i": i}, SeverityCritical)
	}

	alerts := bus.QueryDeviceAlerts("mouse-001")
	require.Len(t, alerts, DefaultAlertLimit)
	for i, a := range alerts {
		assert.Equal(t, i+1, a.Details["i"])
	}
}

func TestDeviceAlertsUnknownDeviceIsEmpty(t *testing.T) {
	bus := newTestBus()
	alerts := bus.QueryDeviceAlerts("nope")
	require.NotNil(t, alerts)
	require.Empty(t, alerts)
}

func TestDeviceAlertsDoNotTouchGlobalLog(t *testing.T) {
	bus := newTestBus()
	bus.RecordDeviceAlert("kb-1", AlertAttackResolved, nil, SeverityWarning)
	require.Zero(t, bus.Len())
}

func TestGlobalLogIsNotCapped(t *testing.T) {
	bus := newTestBus(WithAlertLimit(3))
	for i := 0; i < 250; i++ {
		bus.Record(context.Background(), "data_received", nil)
	}
	require.Equal(t, 250, bus.Len())
}

func TestConcurrentProducers(t *testing.T) {
	bus := newTestBus()
	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			device := fmt.Sprintf("dev-%d", d)
			for i := 0; i < 150; i++ {
				bus.Record(context.Background(), "data_received", nil)
				bus.RecordDeviceAlert(device, AlertAttackDetected, map[string]any{"i": i}, SeverityCritical)
			}
		}(d)
	}
	wg.Wait()

	events := bus.Query("")
	require.Len(t, events, 8*150)
	for i, e := range events {
		require.Equal(t, uint64(i+1), e.Seq)
	}
	for d := 0; d < 8; d++ {
		alerts := bus.QueryDeviceAlerts(fmt.Sprintf("dev-%d", d))
		require.Len(t, alerts, DefaultAlertLimit)
		for i, a := range alerts {
			require.Equal(t, 50+i, a.Details["i"])
		}
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
	alerts []DeviceAlert
}

func (r *recordingObserver) EventRecorded(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) AlertRecorded(a DeviceAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func TestObserversSeeEveryAppend(t *testing.T) {
	obs := &recordingObserver{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := newTestBus(WithObserver(obs), WithClock(func() time.Time { return fixed }))

	bus.Record(context.Background(), TypeDeviceRegistered, map[string]any{"client_id": "kb-1"})
	bus.RecordDeviceAlert("kb-1", AlertAttackDetected, nil, SeverityCritical)

	require.Len(t, obs.events, 1)
	require.Len(t, obs.alerts, 1)
	assert.Equal(t, fixed, obs.events[0].Timestamp)
	assert.Equal(t, "kb-1", obs.alerts[0].DeviceID)
}

func TestParseSeverity(t *testing.T) {
	s, ok := ParseSeverity("all")
	require.True(t, ok)
	require.Equal(t, Severity(""), s)

	s, ok = ParseSeverity("Critical")
	require.True(t, ok)
	require.Equal(t, SeverityCritical, s)

	_, ok = ParseSeverity("loud")
	require.False(t, ok)
}
