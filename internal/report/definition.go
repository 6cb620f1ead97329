package report

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// RepeatType tags the recurrence variant.
type RepeatType string

const (
	RepeatNotRepeat RepeatType = "not_repeat"
	RepeatHourly    RepeatType = "hourly"
	RepeatDaily     RepeatType = "daily"
	RepeatWeekly    RepeatType = "weekly"
	RepeatMonthly   RepeatType = "monthly"
	RepeatCron      RepeatType = "cron_expression"
)

// Recurrence is the stored, declarative schedule of a report.
//
// Only the fields of the selected Type are meaningful:
//   - not_repeat:      Date ("2006-01-02") + Time ("15:04")
//   - hourly:          MinuteOfHour
//   - daily:           Hour, Minute
//   - weekly:          DaysOfWeek (0 = Sunday), Hour, Minute
//   - monthly:         DayOfMonth, Hour, Minute
//   - cron_expression: CronExpression
type Recurrence struct {
	Type     RepeatType `json:"type"`
	Timezone string     `json:"tz,omitempty"`

	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`

	MinuteOfHour int   `json:"minute_of_hour,omitempty"`
	Hour         int   `json:"hour,omitempty"`
	Minute       int   `json:"minute,omitempty"`
	DaysOfWeek   []int `json:"days_of_week,omitempty"`
	DayOfMonth   int   `json:"day_of_month,omitempty"`

	CronExpression string `json:"cron_expression,omitempty"`

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// ValidateWindow enforces start < end when both bounds are set.
func (r Recurrence) ValidateWindow() error {
	if r.StartDate != nil && r.EndDate != nil && !r.StartDate.Before(*r.EndDate) {
		return errors.Newf("recurrence window: start %s must be before end %s",
			r.StartDate.Format(time.RFC3339), r.EndDate.Format(time.RFC3339))
	}
	return nil
}

// MembersFilter selects users from the org hierarchy for perforce reports.
type MembersFilter struct {
	Condition string   `json:"condition"` // "include" | "exclude"
	Type      string   `json:"type"`      // "selected" | "direct_reporters" | "all_reporters"
	Members   []string `json:"members"`
}

// Params carries the type-specific generator parameters.
type Params struct {
	BugzillaLink   string          `json:"bugzilla_link,omitempty"`
	Text           string          `json:"text,omitempty"`
	Branches       []string        `json:"branches,omitempty"`
	Members        []string        `json:"members,omitempty"`
	MembersFilters []MembersFilter `json:"members_filters,omitempty"`
	Users          []string        `json:"users,omitempty"`
	JQL            string          `json:"jql,omitempty"`
	Fields         []string        `json:"fields,omitempty"`
	Tests          []string        `json:"tests,omitempty"`
}

// Definition is the persisted configuration of one report job.
type Definition struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Creator string `json:"creator"`
	Status  Status `json:"status"`
	Type    Type   `json:"report_type"`

	Recurrence Recurrence `json:"recurrence"`
	Params     Params     `json:"params"`

	Destinations []string `json:"destinations"`
	// AdminDestinations are destinations managed by an admin; the bot's
	// membership is verified before delivering to them.
	AdminDestinations []string `json:"admin_destinations,omitempty"`
	MentionTargets    []string `json:"mention_targets,omitempty"`
	SkipEmptyReport   bool     `json:"skip_empty_report,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedulable reports whether the definition may hold a live trigger.
func (d Definition) Schedulable() bool { return d.Status == StatusEnabled }

// IsAdminDestination reports whether dest requires a membership check.
func (d Definition) IsAdminDestination(dest string) bool {
	dest = strings.TrimSpace(dest)
	for _, a := range d.AdminDestinations {
		if strings.TrimSpace(a) == dest {
			return true
		}
	}
	return false
}

// Validate checks the definition-layer invariants (not the recurrence fields,
// which the recurrence compiler owns).
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("definition id required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("definition title required")
	}
	if !d.Status.Valid() {
		return errors.Newf("definition status %q invalid", d.Status)
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	return d.Recurrence.ValidateWindow()
}
