package events

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAlertLimit is the number of alerts retained per device.
const DefaultAlertLimit = 100

// Observer is notified after an event or alert has been appended. Calls
// happen outside the bus locks, in the recording goroutine.
type Observer interface {
	EventRecorded(Event)
	AlertRecorded(DeviceAlert)
}

// Bus holds the process-wide security event log and the per-device alert
// history. The global log is append-only and never trimmed; each device's
// alert history keeps only the newest alertLimit entries.
type Bus struct {
	mu  sync.RWMutex
	log []Event
	seq uint64

	alertsMu sync.RWMutex
	alerts   map[string]*alertRing

	alertLimit int
	clock      func() time.Time
	logger     zerolog.Logger
	observers  []Observer
}

type alertRing struct {
	mu    sync.RWMutex
	items []DeviceAlert
}

type Option func(*Bus)

func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

func WithAlertLimit(limit int) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.alertLimit = limit
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
}

func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		alerts:     make(map[string]*alertRing),
		alertLimit: DefaultAlertLimit,
		clock:      time.Now,
		logger:     logger.With().Str("component", "security_events").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record appends an event whose severity follows the naming convention
// (*_failure is a warning, anything else is info) and returns its id.
func (b *Bus) Record(ctx context.Context, eventType string, details map[string]any) string {
	return b.RecordWithSeverity(ctx, eventType, DefaultSeverity(eventType), details)
}

// RecordWithSeverity appends an event with an explicit severity.
func (b *Bus) RecordWithSeverity(ctx context.Context, eventType string, severity Severity, details map[string]any) string {
	if !severity.Valid() {
		severity = DefaultSeverity(eventType)
	}
	event := Event{
		ID:       xid.New().String(),
		Type:     eventType,
		Severity: severity,
		Origin:   OriginFrom(ctx),
		Details:  maps.Clone(details),
	}

	b.mu.Lock()
	b.seq++
	event.Seq = b.seq
	event.Timestamp = b.clock().UTC()
	b.log = append(b.log, event)
	b.mu.Unlock()

	b.logEvent(event)
	if ctx != nil {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.AddEvent("security_event", trace.WithAttributes(
				attribute.String("security_event.type", eventType),
				attribute.String("security_event.severity", string(severity)),
				attribute.String("security_event.id", event.ID),
			))
		}
	}
	for _, o := range b.observers {
		o.EventRecorded(event)
	}
	return event.ID
}

// Query returns the global log in insertion order, optionally filtered to a
// single severity. An empty severity returns everything.
func (b *Bus) Query(severity Severity) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if severity == "" {
		out := make([]Event, len(b.log))
		copy(out, b.log)
		return out
	}
	out := make([]Event, 0)
	for _, e := range b.log {
		if e.Severity == severity {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of events recorded so far.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.log)
}

// RecordDeviceAlert appends to the device's alert history, evicting the
// oldest entries once the history exceeds the limit.
func (b *Bus) RecordDeviceAlert(deviceID, eventType string, details map[string]any, severity Severity) {
	if !severity.Valid() {
		severity = DefaultSeverity(eventType)
	}
	ring := b.ring(deviceID)

	ring.mu.Lock()
	alert := DeviceAlert{
		DeviceID:  deviceID,
		Timestamp: b.clock().UTC(),
		Type:      eventType,
		Severity:  severity,
		Details:   maps.Clone(details),
	}
	ring.items = append(ring.items, alert)
	if over := len(ring.items) - b.alertLimit; over > 0 {
		n := copy(ring.items, ring.items[over:])
		clear(ring.items[n:])
		ring.items = ring.items[:n]
	}
	ring.mu.Unlock()

	for _, o := range b.observers {
		o.AlertRecorded(alert)
	}
}

// QueryDeviceAlerts returns the device's alerts oldest first. Unknown devices
// yield an empty slice.
func (b *Bus) QueryDeviceAlerts(deviceID string) []DeviceAlert {
	b.alertsMu.RLock()
	ring := b.alerts[deviceID]
	b.alertsMu.RUnlock()
	if ring == nil {
		return []DeviceAlert{}
	}

	ring.mu.RLock()
	defer ring.mu.RUnlock()
	out := make([]DeviceAlert, len(ring.items))
	copy(out, ring.items)
	return out
}

func (b *Bus) ring(deviceID string) *alertRing {
	b.alertsMu.RLock()
	ring := b.alerts[deviceID]
	b.alertsMu.RUnlock()
	if ring != nil {
		return ring
	}

	b.alertsMu.Lock()
	defer b.alertsMu.Unlock()
	if ring = b.alerts[deviceID]; ring == nil {
		ring = &alertRing{}
		b.alerts[deviceID] = ring
	}
	return ring
}

func (b *Bus) logEvent(e Event) {
	var entry *zerolog.Event
	switch e.Severity {
	case SeverityCritical:
		entry = b.logger.Error()
	case SeverityWarning:
		entry = b.logger.Warn()
	default:
		entry = b.logger.Info()
	}
	entry = entry.Str("event_id", e.ID).Uint64("seq", e.Seq).Str("event_type", e.Type)
	if e.Origin != "" {
		entry = entry.Str("origin", e.Origin)
	}
	if len(e.Details) > 0 {
		entry = entry.Interface("details", e.Details)
	}
	entry.Msg("security event")
}
