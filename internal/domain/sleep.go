package domain

import "time"

// Interval is the vendor's aggregation window for a sleep data request.
type Interval string

const (
	IntervalDay   Interval = "D1"
	IntervalMonth Interval = "M1"
)

// SleepData is the vendor response for one fetch unit.
type SleepData struct {
	SleeperID string
	Days      []SleepDay
}

// SleepDay groups the sessions the vendor attributes to one calendar day.
type SleepDay struct {
	Date     string // YYYY-MM-DD
	Sessions []SleepSession
}

// SleepSession is one in-bed session summary.
type SleepSession struct {
	Start     time.Time
	End       time.Time
	Longest   bool
	Finalized bool

	AvgHeartRate          int64
	AvgRespirationRate    int64
	SleepQuotient         int64
	HRV                   int64
	SleepNumber           int64
	InBed                 int64 // seconds
	OutOfBed              int64 // seconds
	Restful               int64 // seconds
	Restless              int64 // seconds
	TotalSleepSessionTime int64 // seconds
	FallAsleepPeriod      int64 // seconds
}

// Longest returns the session flagged as the day's longest, if any.
func (d SleepDay) Longest() (SleepSession, bool) {
	for _, s := range d.Sessions {
		if s.Longest {
			return s, true
		}
	}
	return SleepSession{}, false
}
