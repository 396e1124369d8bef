// Package derive turns vendor sleep days into destination records. Each day
// contributes at most one record per destination, built from the session the
// vendor flags as the day's longest.
package derive

import (
	"fmt"
	"time"

	"sleep-scraper/internal/domain"
)

// Measurement is the default metric point measurement name.
const Measurement = "sleep_data"

// Options control which sessions are used.
type Options struct {
	Measurement string
	// FinalizedOnly skips sessions the vendor may still revise.
	FinalizedOnly bool
}

// Records are the derived records of one fetch unit.
type Records struct {
	Points   []domain.Point
	Logs     []domain.SleepLog
	Sessions []domain.SleepSessionRecord
}

// Len is the number of source sessions that produced records.
func (r Records) Len() int { return len(r.Points) }

// Derive converts one unit of sleep data for sleeper. Times are rendered in
// loc, the sleeper's effective timezone.
func Derive(sleeper domain.Sleeper, data domain.SleepData, loc *time.Location, opts Options) Records {
	measurement := opts.Measurement
	if measurement == "" {
		measurement = Measurement
	}
	var out Records
	for _, day := range data.Days {
		s, ok := day.Longest()
		if !ok || (opts.FinalizedOnly && !s.Finalized) {
			continue
		}
		out.Points = append(out.Points, Point(sleeper, s, measurement))
		out.Logs = append(out.Logs, SleepLog(s, loc))
		out.Sessions = append(out.Sessions, SessionRecord(sleeper, day.Date, s, loc))
	}
	return out
}

// Point builds the metric point for a session, stamped at the session end.
func Point(sleeper domain.Sleeper, s domain.SleepSession, measurement string) domain.Point {
	return domain.Point{
		Measurement: measurement,
		Entity:      sleeper.ID,
		Time:        s.End.UTC(),
		Tags: map[string]string{
			"sleeper_id":   sleeper.ID,
			"sleeper_name": sleeper.FirstName,
		},
		Fields: map[string]int64{
			"heart_rate":               s.AvgHeartRate,
			"breath_rate":              s.AvgRespirationRate,
			"sleep_quotient":           s.SleepQuotient,
			"hrv":                      s.HRV,
			"sleep_number":             s.SleepNumber,
			"in_bed":                   s.InBed,
			"out_of_bed":               s.OutOfBed,
			"restful":                  s.Restful,
			"restless":                 s.Restless,
			"total_sleep_session_time": s.TotalSleepSessionTime,
			"fall_asleep_period":       s.FallAsleepPeriod,
		},
	}
}

// SleepLog builds the fitness-tracker entry. The duration is the vendor's
// total sleep session time, or the session span when that is missing.
func SleepLog(s domain.SleepSession, loc *time.Location) domain.SleepLog {
	start := s.Start.In(loc)
	dur := time.Duration(s.TotalSleepSessionTime) * time.Second
	if dur <= 0 {
		dur = s.End.Sub(s.Start)
	}
	return domain.SleepLog{
		Date:       start.Format("2006-01-02"),
		StartTime:  start.Format("15:04"),
		DurationMs: dur.Milliseconds(),
		EndTime:    s.End,
	}
}

// SessionRecord builds the gateway record. The client record ID is stable
// per sleeper and vendor day so re-pushes replace the earlier record.
func SessionRecord(sleeper domain.Sleeper, date string, s domain.SleepSession, loc *time.Location) domain.SleepSessionRecord {
	start, end := s.Start.In(loc), s.End.In(loc)
	rec := domain.SleepSessionRecord{
		StartTime:       start.Format(time.RFC3339),
		StartZoneOffset: start.Format("-07:00"),
		EndTime:         end.Format(time.RFC3339),
		EndZoneOffset:   end.Format("-07:00"),
		Title:           "Sleep Number",
		Notes:           fmt.Sprintf("SleepIQ score %d", s.SleepQuotient),
		Metadata: domain.RecordMetadata{
			ClientRecordID:      fmt.Sprintf("sleepnumber-%s-%s", sleeper.ID, date),
			ClientRecordVersion: 1,
			RecordingMethod:     domain.RecordingMethodAutomaticallyRecorded,
		},
	}
	return rec.WithEnd(s.End)
}
