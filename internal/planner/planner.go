// Package planner decides which vendor requests a sync makes for one
// sleeper. Plans are lazy: the caller fetches a unit, reports how many
// records it produced, and only then asks for the next one.
package planner

import (
	"time"

	"sleep-scraper/internal/domain"
)

// DefaultMaxBackfillMonths caps a cold-start walk when none is configured.
const DefaultMaxBackfillMonths = 120

// Unit is one vendor request: a calendar month or day starting at Date
// (local midnight in the plan's timezone).
type Unit struct {
	Interval domain.Interval
	Date     time.Time
}

func (u Unit) String() string {
	return string(u.Interval) + " " + u.Date.Format("2006-01-02")
}

type Planner struct {
	Now               func() time.Time
	MaxBackfillMonths int
}

// Plan starts a plan in loc. Without a watermark the plan walks monthly
// units backward from the current month until one yields no records. With a
// watermark it yields daily units from the day after the watermark's local
// date through today, ascending.
func (p Planner) Plan(loc *time.Location, watermark time.Time, hasWatermark bool) *Plan {
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	today := now().In(loc)
	y, m, d := today.Date()
	pl := &Plan{today: time.Date(y, m, d, 0, 0, 0, 0, loc)}

	if !hasWatermark {
		pl.cold = true
		pl.limit = p.MaxBackfillMonths
		if pl.limit <= 0 {
			pl.limit = DefaultMaxBackfillMonths
		}
		pl.cursor = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return pl
	}
	wy, wm, wd := watermark.In(loc).Date()
	pl.cursor = time.Date(wy, wm, wd+1, 0, 0, 0, 0, loc)
	return pl
}

// Plan is a restartable sequence of units. It is not safe for concurrent
// use.
type Plan struct {
	cold   bool
	cursor time.Time
	today  time.Time
	floor  time.Time

	limit     int
	issued    int
	done      bool
	truncated bool
}

// WithFloor stops a cold-start walk before months that end before floor,
// such as months before the bed was registered. A zero floor is ignored.
func (p *Plan) WithFloor(floor time.Time) *Plan {
	if !floor.IsZero() {
		p.floor = floor
	}
	return p
}

// Cold reports whether the plan is a backward backfill.
func (p *Plan) Cold() bool { return p.cold }

// Next returns the unit to fetch. Calling Next again before Record returns
// the same unit.
func (p *Plan) Next() (Unit, bool) {
	if p.done {
		return Unit{}, false
	}
	if !p.cold {
		if p.cursor.After(p.today) {
			p.done = true
			return Unit{}, false
		}
		return Unit{Interval: domain.IntervalDay, Date: p.cursor}, true
	}
	if !p.floor.IsZero() && !p.cursor.AddDate(0, 1, 0).After(p.floor) {
		p.done = true
		return Unit{}, false
	}
	if p.issued >= p.limit {
		p.done = true
		p.truncated = true
		return Unit{}, false
	}
	return Unit{Interval: domain.IntervalMonth, Date: p.cursor}, true
}

// Record reports how many derived records the last unit produced and
// advances the plan. An empty unit ends a cold-start walk; warm plans
// continue through gaps.
func (p *Plan) Record(derived int) {
	if p.done {
		return
	}
	if !p.cold {
		p.cursor = p.cursor.AddDate(0, 0, 1)
		return
	}
	p.issued++
	if derived == 0 {
		p.done = true
		return
	}
	p.cursor = p.cursor.AddDate(0, -1, 0)
}

// Truncated reports that a cold-start walk hit its month cap while units
// were still producing records.
func (p *Plan) Truncated() bool { return p.truncated }
