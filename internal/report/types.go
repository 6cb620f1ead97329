package report

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedType is returned for report type tags outside the closed set.
var ErrUnsupportedType = errors.New("unsupported report type")

// Status is the lifecycle state of a report definition.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusDraft    Status = "DRAFT"
	StatusDisabled Status = "DISABLED"
	StatusEnabled  Status = "ENABLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusDraft, StatusDisabled, StatusEnabled:
		return true
	}
	return false
}

// Type selects the content-evaluation strategy of a report.
type Type string

const (
	TypeBugzilla            Type = "bugzilla"
	TypeBugzillaByAssignee  Type = "bugzilla_by_assignee"
	TypeText                Type = "text"
	TypePerforceCheckin     Type = "perforce_checkin"
	TypePerforceReviewCheck Type = "perforce_review_check"
	TypeJiraList            Type = "jira_list"
	TypeSVSPassRate         Type = "svs_pass_rate"
)

var knownTypes = []Type{
	TypeBugzilla,
	TypeBugzillaByAssignee,
	TypeText,
	TypePerforceCheckin,
	TypePerforceReviewCheck,
	TypeJiraList,
	TypeSVSPassRate,
}

// Types returns the closed set of supported report types.
func Types() []Type { return append([]Type(nil), knownTypes...) }

// ParseType maps a stored tag onto the closed set.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range knownTypes {
		if t == k {
			return t, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedType, "report type %q", raw)
}

// UsesMemberFilters reports whether the type's users are expanded from
// org-hierarchy filters by the daily members refresh.
func (t Type) UsesMemberFilters() bool {
	return t == TypePerforceCheckin || t == TypePerforceReviewCheck
}

// HistoryStatus is the state of one execution history record.
type HistoryStatus string

const (
	HistoryPending   HistoryStatus = "PENDING"
	HistorySucceeded HistoryStatus = "SUCCEEDED"
	HistoryFailed    HistoryStatus = "FAILED"
	HistoryTimeout   HistoryStatus = "TIMEOUT"
)

// Terminal reports whether no further transition is allowed.
func (s HistoryStatus) Terminal() bool {
	return s == HistorySucceeded || s == HistoryFailed || s == HistoryTimeout
}

// Dedup returns ids with blanks and repeats removed, keeping first-seen order.
func Dedup(ids ...[]string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, list := range ids {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
