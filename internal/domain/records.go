package domain

import "time"

// Point is a metrics-store record: one measurement at one instant for one
// entity, with string tags and integer fields.
type Point struct {
	Measurement string
	Entity      string
	Time        time.Time
	Tags        map[string]string
	Fields      map[string]int64
}

// SleepLog is a fitness-tracker sleep log entry.
type SleepLog struct {
	Date       string // YYYY-MM-DD
	StartTime  string // HH:mm
	DurationMs int64
	// EndTime is not sent; it orders the publish batch.
	EndTime time.Time
}

// SleepSessionRecord is a health-aggregation gateway sleep session.
type SleepSessionRecord struct {
	StartTime       string         `json:"startTime"`
	StartZoneOffset string         `json:"startZoneOffset,omitempty"`
	EndTime         string         `json:"endTime"`
	EndZoneOffset   string         `json:"endZoneOffset,omitempty"`
	Title           string         `json:"title,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Metadata        RecordMetadata `json:"metadata"`

	end time.Time
}

// RecordingMethod values follow the Health Connect enumeration.
const (
	RecordingMethodUnknown               = 0
	RecordingMethodActivelyRecorded      = 1
	RecordingMethodAutomaticallyRecorded = 2
	RecordingMethodManualEntry           = 3
)

// RecordMetadata identifies a gateway record so re-pushes update in place.
type RecordMetadata struct {
	ClientRecordID      string `json:"clientRecordId,omitempty"`
	ClientRecordVersion int64  `json:"clientRecordVersion"`
	DataOrigin          string `json:"dataOrigin,omitempty"`
	RecordingMethod     int    `json:"recordingMethod,omitempty"`
}

// WithEnd records the session end used for batch ordering.
func (r SleepSessionRecord) WithEnd(t time.Time) SleepSessionRecord {
	r.end = t
	return r
}

// End returns the session end used for batch ordering.
func (r SleepSessionRecord) End() time.Time { return r.end }
