package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule returns a cron.Schedule for the trigger. Recurring schedules are
// evaluated in the trigger's own timezone regardless of the caller's location;
// both shapes are clamped to [Start, End). A schedule with no further fire
// returns the zero time, which cron.Cron treats as "never".
func (t TriggerSpec) Schedule() (cron.Schedule, error) {
	var inner cron.Schedule
	switch t.Kind {
	case KindAbsolute:
		inner = onceSchedule{at: t.At}
	default:
		s, err := cronParser.Parse(t.Cron)
		if err != nil {
			return nil, invalid(err, "cron %q", t.Cron)
		}
		inner = s
	}
	if t.Start.IsZero() && t.End.IsZero() {
		return inner, nil
	}
	return boundedSchedule{inner: inner, start: t.Start, end: t.End}, nil
}

// Next returns the first fire strictly after `after`, or zero when the
// trigger will never fire again.
func (t TriggerSpec) Next(after time.Time) time.Time {
	s, err := t.Schedule()
	if err != nil {
		return time.Time{}
	}
	return s.Next(after)
}

// Upcoming lists up to n fires after `after`.
func (t TriggerSpec) Upcoming(after time.Time, n int) []time.Time {
	s, err := t.Schedule()
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cur := after
	for len(out) < n {
		next := s.Next(cur)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

type boundedSchedule struct {
	inner      cron.Schedule
	start, end time.Time
}

func (b boundedSchedule) Next(t time.Time) time.Time {
	if !b.start.IsZero() && t.Before(b.start) {
		// cron schedules look strictly after t; step just below start so a
		// fire exactly at start is kept.
		t = b.start.Add(-time.Nanosecond)
	}
	n := b.inner.Next(t)
	if n.IsZero() {
		return n
	}
	if !b.end.IsZero() && !n.Before(b.end) {
		return time.Time{}
	}
	return n
}

var previousLookback = []time.Duration{
	time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	31 * 24 * time.Hour,
	366 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// Previous finds the latest fire of s strictly before now. cron schedules
// only look forward, so it walks forward from progressively wider lookback
// windows.
func Previous(s cron.Schedule, now time.Time) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	for _, lb := range previousLookback {
		var prev time.Time
		for n := s.Next(now.Add(-lb)); !n.IsZero() && n.Before(now); n = s.Next(n) {
			prev = n
		}
		if !prev.IsZero() {
			return prev, true
		}
	}
	return time.Time{}, false
}
