// Package archive mirrors security events and device alerts into SQLite so
// they survive restarts. The in-memory bus stays authoritative; the archive
// is written asynchronously and may lag it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/gearwatch/pkg/events"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DefaultQueueSize = 1024
	DefaultListLimit = 500
)

var ErrClosed = errors.New("archive closed")

type item struct {
	event   *events.Event
	alert   *events.DeviceAlert
	barrier chan struct{}
}

// Archive implements events.Observer.
type Archive struct {
	db      *gorm.DB
	logger  zerolog.Logger
	queue   chan item
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// Open opens (or creates) the SQLite database at dsn and starts the writer.
func Open(dsn string, logger zerolog.Logger) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps in-memory
	// databases alive and shared.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&EventRecord{}, &AlertRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	a := &Archive{
		db:     db,
		logger: logger.With().Str("component", "archive").Logger(),
		queue:  make(chan item, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// EventRecorded implements events.Observer. It never blocks; when the queue
// is full the event is dropped from the archive only.
func (a *Archive) EventRecorded(e events.Event) {
	a.enqueue(item{event: &e})
}

// AlertRecorded implements events.Observer.
func (a *Archive) AlertRecorded(al events.DeviceAlert) {
	a.enqueue(item{alert: &al})
}

func (a *Archive) enqueue(it item) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- it:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn().Uint64("dropped", n).Msg("archive queue full, dropping records")
		}
	}
}

// Dropped returns how many records were not archived because the queue was
// full.
func (a *Archive) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Archive) run() {
	defer close(a.done)
	for it := range a.queue {
		switch {
		case it.barrier != nil:
			close(it.barrier)
		case it.event != nil:
			if err := a.db.Create(eventRecord(*it.event)).Error; err != nil {
				a.logger.Error().Err(err).Str("event_id", it.event.ID).Msg("failed to archive event")
			}
		case it.alert != nil:
			if err := a.db.Create(alertRecord(*it.alert)).Error; err != nil {
				a.logger.Error().Err(err).Str("device_id", it.alert.DeviceID).Msg("failed to archive alert")
			}
		}
	}
}

// Flush waits until everything queued before the call has been written.
func (a *Archive) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	select {
	case a.queue <- item{barrier: barrier}:
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	a.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the database.
func (a *Archive) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Filter narrows List. Zero values mean no filtering; Limit defaults to
// DefaultListLimit.
type Filter struct {
	Severity events.Severity
	Type     string
	Since    time.Time
	Limit    int
}

// List returns archived events oldest first. With a limit, the newest
// matching events are kept.
func (a *Archive) List(ctx context.Context, f Filter) ([]events.Event, error) {
	q := a.db.WithContext(ctx).Model(&EventRecord{})
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var records []EventRecord
	if err := q.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	out := make([]events.Event, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i].toEvent())
	}
	return out, nil
}

// Alerts returns archived alerts for a device, oldest first.
func (a *Archive) Alerts(ctx context.Context, deviceID string, limit int) ([]events.DeviceAlert, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var records []AlertRecord
	err := a.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]events.DeviceAlert, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i].toAlert())
	}
	return out, nil
}

// Prune deletes records older than cutoff and returns how many rows went.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff).Delete(&EventRecord{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		res = tx.Where("timestamp < ?", cutoff).Delete(&AlertRecord{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

func eventRecord(e events.Event) *EventRecord {
	return &EventRecord{
		EventID:   e.ID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Severity:  string(e.Severity),
		Origin:    e.Origin,
		Details:   encodeDetails(e.Details),
	}
}

func alertRecord(al events.DeviceAlert) *AlertRecord {
	return &AlertRecord{
		DeviceID:  al.DeviceID,
		Timestamp: al.Timestamp,
		Type:      al.Type,
		Severity:  string(al.Severity),
		Details:   encodeDetails(al.Details),
	}
}

func (r EventRecord) toEvent() events.Event {
	return events.Event{
		ID:        r.EventID,
		Seq:       r.Seq,
		Timestamp: r.Timestamp,
		Type:      r.Type,
		Severity:  events.Severity(r.Severity),
		Origin:    r.Origin,
		Details:   decodeDetails(r.Details),
	}
}

func (r AlertRecord) toAlert() events.DeviceAlert {
	return events.DeviceAlert{
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
		Type:      r.Type,
		Severity:  events.Severity(r.Severity),
		Details:   decodeDetails(r.Details),
	}
}

func encodeDetails(d map[string]any) string {
	if len(d) == 0 {
		return ""
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf(`{"unencodable":%q}`, err.Error())
	}
	return string(raw)
}

func decodeDetails(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var d map[string]any
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return map[string]any{"raw": raw}
	}
	return d
}
