package derive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-scraper/internal/domain"
)

func session(start, end time.Time, longest, finalized bool) domain.SleepSession {
	return domain.SleepSession{
		Start: start, End: end, Longest: longest, Finalized: finalized,
		AvgHeartRate: 55, SleepQuotient: 80, TotalSleepSessionTime: 7 * 3600,
	}
}

func TestDerive_LongestSessionPerDay(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	sleeper := domain.Sleeper{ID: "s1", FirstName: "Ann"}
	nightStart := time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC)
	nap := session(time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC), time.Date(2024, 1, 10, 21, 0, 0, 0, time.UTC), false, true)
	night := session(nightStart, nightStart.Add(8*time.Hour), true, true)

	data := domain.SleepData{Days: []domain.SleepDay{
		{Date: "2024-01-10", Sessions: []domain.SleepSession{nap, night}},
		{Date: "2024-01-11"},
	}}
	recs := Derive(sleeper, data, loc, Options{})

	require.Equal(t, 1, recs.Len())
	p := recs.Points[0]
	assert.Equal(t, "sleep_data", p.Measurement)
	assert.Equal(t, "s1", p.Entity)
	assert.Equal(t, night.End, p.Time)
	assert.Equal(t, "Ann", p.Tags["sleeper_name"])
	assert.Equal(t, int64(55), p.Fields["heart_rate"])
	assert.Len(t, p.Fields, 11)

	l := recs.Logs[0]
	assert.Equal(t, "2024-01-09", l.Date)
	assert.Equal(t, "23:00", l.StartTime)
	assert.Equal(t, int64(7*3600*1000), l.DurationMs)

	r := recs.Sessions[0]
	assert.Equal(t, "sleepnumber-s1-2024-01-10", r.Metadata.ClientRecordID)
	assert.Equal(t, "2024-01-09T23:00:00-06:00", r.StartTime)
	assert.Equal(t, "-06:00", r.EndZoneOffset)
	assert.Equal(t, night.End, r.End())
}

func TestDerive_FinalizedOnly(t *testing.T) {
	start := time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC)
	data := domain.SleepData{Days: []domain.SleepDay{
		{Date: "2024-01-10", Sessions: []domain.SleepSession{session(start, start.Add(time.Hour), true, false)}},
	}}
	assert.Equal(t, 1, Derive(domain.Sleeper{ID: "s1"}, data, time.UTC, Options{}).Len())
	assert.Equal(t, 0, Derive(domain.Sleeper{ID: "s1"}, data, time.UTC, Options{FinalizedOnly: true}).Len())
}

func TestSleepLog_FallsBackToSessionSpan(t *testing.T) {
	start := time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC)
	s := domain.SleepSession{Start: start, End: start.Add(90 * time.Minute)}
	assert.Equal(t, int64(90*60*1000), SleepLog(s, time.UTC).DurationMs)
}
