package evaluator

import (
	"time"

	"reportbot/internal/recurrence"
	"reportbot/internal/report"
)

// Window is the trailing reporting period [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// currentFireSlack is how close a previous cron fire may be to now before it
// is taken to be the fire currently executing.
const currentFireSlack = time.Minute

// Period computes the reporting window ending at now for the recurrence.
//
// cron_expression windows start at the previous scheduled fire. When that
// fire is the one being executed right now, the window reaches back one more
// occurrence so it spans a whole interval.
// Calendar arithmetic runs in the recurrence's timezone, or defaultTZ when it
// carries none.
func Period(rec report.Recurrence, defaultTZ string, now time.Time) Window {
	w := Window{End: now}
	switch rec.Type {
	case report.RepeatHourly:
		w.Start = now.Add(-time.Hour)
	case report.RepeatWeekly:
		w.Start = now.AddDate(0, 0, -7)
	case report.RepeatMonthly:
		w.Start = monthBefore(now.In(location(rec, defaultTZ))).In(now.Location())
	case report.RepeatCron:
		w.Start = previousCronFire(rec, defaultTZ, now)
	default:
		w.Start = now.AddDate(0, 0, -1)
	}
	return w
}

func location(rec report.Recurrence, defaultTZ string) *time.Location {
	for _, tz := range []string{rec.Timezone, defaultTZ, recurrence.DefaultTimezone} {
		if tz == "" {
			continue
		}
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

// monthBefore steps back one calendar month, clamping the day to the end of
// the shorter month (Mar 31 -> Feb 29).
func monthBefore(t time.Time) time.Time {
	y, m, d := t.Date()
	last := time.Date(y, m, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(y, m-1, min(d, last), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func previousCronFire(rec report.Recurrence, defaultTZ string, now time.Time) time.Time {
	fallback := now.AddDate(0, 0, -1)
	spec, err := recurrence.Compile(report.Recurrence{
		Type:           report.RepeatCron,
		Timezone:       rec.Timezone,
		CronExpression: rec.CronExpression,
	}, defaultTZ)
	if err != nil {
		return fallback
	}
	s, err := spec.Schedule()
	if err != nil {
		return fallback
	}
	prev, ok := recurrence.Previous(s, now)
	if !ok {
		return fallback
	}
	if now.Sub(prev) < currentFireSlack {
		if p2, ok := recurrence.Previous(s, prev); ok {
			return p2
		}
	}
	return prev
}
