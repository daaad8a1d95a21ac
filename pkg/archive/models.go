package archive

import "time"

// EventRecord mirrors one entry of the global security event log.
type EventRecord struct {
	ID        uint      `gorm:"primaryKey"`
	EventID   string    `gorm:"uniqueIndex"`
	Seq       uint64    `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Type      string    `gorm:"index"`
	Severity  string    `gorm:"index"`
	Origin    string
	Details   string `gorm:"type:text"` // JSON
}

// AlertRecord mirrors one device alert. Unlike the in-memory ring, the
// archive keeps every alert until pruned.
type AlertRecord struct {
	ID        uint      `gorm:"primaryKey"`
	DeviceID  string    `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Type      string
	Severity  string
	Details   string `gorm:"type:text"` // JSON
}
