package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"reportbot/internal/report"
)

// ErrInvalidRecurrence marks every compile failure.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// DefaultTimezone is used when neither the recurrence nor the caller names one.
const DefaultTimezone = "Asia/Shanghai"

// Kind is the shape of a compiled trigger.
type Kind int

const (
	KindAbsolute Kind = iota
	KindRecurring
)

func (k Kind) String() string {
	if k == KindAbsolute {
		return "absolute"
	}
	return "recurring"
}

// Rule is the structured form of a recurring trigger. Hour < 0 means every
// hour; DayOfMonth == 0 means any day; an empty DaysOfWeek means any weekday.
type Rule struct {
	Minute     int
	Hour       int
	DaysOfWeek []int
	DayOfMonth int
}

// TriggerSpec is the compiled, timezone-resolved form of a recurrence.
type TriggerSpec struct {
	Kind   Kind
	Repeat report.RepeatType
	TZ     string

	// At is the single fire instant of an absolute trigger.
	At time.Time

	// Rule is nil for raw cron expressions.
	Rule *Rule
	// Cron is the CRON_TZ-prefixed expression of a recurring trigger.
	Cron string

	// Start and End bound the trigger to [Start, End). Zero means unbounded.
	Start time.Time
	End   time.Time

	loc *time.Location
}

// Location returns the timezone the trigger is evaluated in.
func (t TriggerSpec) Location() *time.Location {
	if t.loc != nil {
		return t.loc
	}
	if loc, err := time.LoadLocation(t.TZ); err == nil {
		return loc
	}
	return time.UTC
}

// cronParser accepts five fields, or six with leading seconds. Descriptors
// like "@daily" are rejected.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Compile turns a stored recurrence into a trigger spec. It is pure: the same
// input always yields an Equal result.
func Compile(rec report.Recurrence, defaultTZ string) (TriggerSpec, error) {
	tz := strings.TrimSpace(rec.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(defaultTZ)
	}
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return TriggerSpec{}, invalid(err, "timezone %q", tz)
	}

	spec := TriggerSpec{Repeat: rec.Type, TZ: tz, loc: loc}
	if rec.StartDate != nil {
		spec.Start = rec.StartDate.UTC()
	}
	if rec.EndDate != nil {
		spec.End = rec.EndDate.UTC()
	}
	if !spec.Start.IsZero() && !spec.End.IsZero() && !spec.Start.Before(spec.End) {
		return TriggerSpec{}, invalid(nil, "window start %s not before end %s",
			spec.Start.Format(time.RFC3339), spec.End.Format(time.RFC3339))
	}

	switch rec.Type {
	case report.RepeatNotRepeat:
		at, err := parseInstant(rec.Date, rec.Time, loc)
		if err != nil {
			return TriggerSpec{}, err
		}
		spec.Kind = KindAbsolute
		spec.At = at.UTC()
		return spec, nil

	case report.RepeatHourly:
		if err := checkRange("minute_of_hour", rec.MinuteOfHour, 0, 59); err != nil {
			return TriggerSpec{}, err
		}
		spec.Rule = &Rule{Minute: rec.MinuteOfHour, Hour: -1}

	case report.RepeatDaily:
		h, m, err := clock(rec)
		if err != nil {
			return TriggerSpec{}, err
		}
		spec.Rule = &Rule{Minute: m, Hour: h}

	case report.RepeatWeekly:
		h, m, err := clock(rec)
		if err != nil {
			return TriggerSpec{}, err
		}
		days, err := weekdays(rec.DaysOfWeek)
		if err != nil {
			return TriggerSpec{}, err
		}
		spec.Rule = &Rule{Minute: m, Hour: h, DaysOfWeek: days}

	case report.RepeatMonthly:
		h, m, err := clock(rec)
		if err != nil {
			return TriggerSpec{}, err
		}
		if err := checkRange("day_of_month", rec.DayOfMonth, 1, 31); err != nil {
			return TriggerSpec{}, err
		}
		spec.Rule = &Rule{Minute: m, Hour: h, DayOfMonth: rec.DayOfMonth}

	case report.RepeatCron:
		expr := strings.Join(strings.Fields(rec.CronExpression), " ")
		if expr == "" {
			return TriggerSpec{}, invalid(nil, "cron expression required")
		}
		if strings.HasPrefix(strings.ToUpper(expr), "CRON_TZ=") || strings.HasPrefix(strings.ToUpper(expr), "TZ=") {
			return TriggerSpec{}, invalid(nil, "cron expression %q must not carry its own timezone", expr)
		}
		spec.Kind = KindRecurring
		spec.Cron = "CRON_TZ=" + tz + " " + expr
		if _, err := cronParser.Parse(spec.Cron); err != nil {
			return TriggerSpec{}, invalid(err, "cron expression %q", expr)
		}
		return spec, nil

	default:
		return TriggerSpec{}, invalid(nil, "repeat type %q", rec.Type)
	}

	spec.Kind = KindRecurring
	spec.Cron = "CRON_TZ=" + tz + " " + spec.Rule.expr()
	if _, err := cronParser.Parse(spec.Cron); err != nil {
		return TriggerSpec{}, invalid(err, "rule %q", spec.Cron)
	}
	return spec, nil
}

func (r Rule) expr() string {
	hour := "*"
	if r.Hour >= 0 {
		hour = strconv.Itoa(r.Hour)
	}
	dom := "*"
	if r.DayOfMonth > 0 {
		dom = strconv.Itoa(r.DayOfMonth)
	}
	dow := "*"
	if len(r.DaysOfWeek) > 0 {
		parts := make([]string, 0, len(r.DaysOfWeek))
		for _, d := range r.DaysOfWeek {
			parts = append(parts, strconv.Itoa(d))
		}
		dow = strings.Join(parts, ",")
	}
	return strconv.Itoa(r.Minute) + " " + hour + " " + dom + " * " + dow
}

// clock resolves the hour/minute of daily, weekly and monthly rules. A stored
// "HH:MM" time takes precedence over the numeric fields.
func clock(rec report.Recurrence) (int, int, error) {
	h, m := rec.Hour, rec.Minute
	if s := strings.TrimSpace(rec.Time); s != "" {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return 0, 0, invalid(err, "time %q", s)
		}
		h, m = t.Hour(), t.Minute()
	}
	if err := checkRange("hour", h, 0, 23); err != nil {
		return 0, 0, err
	}
	if err := checkRange("minute", m, 0, 59); err != nil {
		return 0, 0, err
	}
	return h, m, nil
}

func weekdays(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, invalid(nil, "days_of_week required")
	}
	seen := map[int]bool{}
	out := make([]int, 0, len(in))
	for _, d := range in {
		if err := checkRange("day_of_week", d, 0, 6); err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out, nil
}

func parseInstant(date, clock string, loc *time.Location) (time.Time, error) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, invalid(nil, "not_repeat needs date and time")
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid(nil, "date %q time %q in %s", date, clock, loc)
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return invalid(nil, "%s %d out of range %d-%d", name, v, lo, hi)
	}
	return nil
}

func invalid(cause error, format string, args ...interface{}) error {
	var err error
	if cause != nil {
		err = errors.Wrapf(cause, format, args...)
	} else {
		err = errors.Newf(format, args...)
	}
	return errors.Mark(err, ErrInvalidRecurrence)
}

// Equal reports whether two specs describe the same trigger.
func (t TriggerSpec) Equal(o TriggerSpec) bool {
	if t.Kind != o.Kind || t.Repeat != o.Repeat || t.TZ != o.TZ || t.Cron != o.Cron {
		return false
	}
	if !t.At.Equal(o.At) || !t.Start.Equal(o.Start) || !t.End.Equal(o.End) {
		return false
	}
	if (t.Rule == nil) != (o.Rule == nil) {
		return false
	}
	if t.Rule == nil {
		return true
	}
	a, b := *t.Rule, *o.Rule
	if a.Minute != b.Minute || a.Hour != b.Hour || a.DayOfMonth != b.DayOfMonth || len(a.DaysOfWeek) != len(b.DaysOfWeek) {
		return false
	}
	for i := range a.DaysOfWeek {
		if a.DaysOfWeek[i] != b.DaysOfWeek[i] {
			return false
		}
	}
	return true
}

// String is a compact human-readable form used in logs and the CLI.
func (t TriggerSpec) String() string {
	var b strings.Builder
	if t.Kind == KindAbsolute {
		b.WriteString("at " + t.At.In(t.Location()).Format("2006-01-02 15:04 MST"))
	} else {
		b.WriteString(t.Cron)
	}
	if !t.Start.IsZero() {
		b.WriteString(" from " + t.Start.Format(time.RFC3339))
	}
	if !t.End.IsZero() {
		b.WriteString(" until " + t.End.Format(time.RFC3339))
	}
	return b.String()
}
