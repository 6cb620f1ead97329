// Package recurrence compiles stored report recurrences into triggers.
//
// A trigger is either absolute (one instant, for not_repeat) or recurring (a
// structured rule plus its CRON_TZ-prefixed cron expression). All timezone
// handling for scheduling happens here; the registry only sees cron.Schedule
// values that already carry their location.
package recurrence
