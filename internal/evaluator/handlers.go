package evaluator

import (
	"strconv"
	"strings"

	"reportbot/internal/report"
)

// handler builds the generator arguments for one report type. Text reports
// have no generator and are passed through.
type handler struct {
	passThrough bool
	args        func(def report.Definition, title string, w Window) ([]string, error)
}

var handlers = map[report.Type]handler{
	report.TypeText:                {passThrough: true},
	report.TypeBugzilla:            {args: bugzillaArgs},
	report.TypeBugzillaByAssignee:  {args: assigneeArgs},
	report.TypePerforceCheckin:     {args: perforceArgs},
	report.TypePerforceReviewCheck: {args: perforceArgs},
	report.TypeJiraList:            {args: jiraArgs},
	report.TypeSVSPassRate:         {args: svsArgs},
}

// DefaultScripts maps each generator-backed type to its script, relative to
// the generator directory.
var DefaultScripts = map[report.Type]string{
	report.TypeBugzilla:            "bugzilla/reportGenerator.py",
	report.TypeBugzillaByAssignee:  "bugzilla/assigneeReport.py",
	report.TypePerforceCheckin:     "src/notification/p4_report.py",
	report.TypePerforceReviewCheck: "src/notification/p4_review_check.py",
	report.TypeJiraList:            "jira/jiraList.py",
	report.TypeSVSPassRate:         "SVSPassRateReport.py",
}

func bugzillaArgs(def report.Definition, title string, _ Window) ([]string, error) {
	link := strings.TrimSpace(def.Params.BugzillaLink)
	if link == "" {
		return nil, missing(def, "bugzilla_link")
	}
	return []string{"--title", title, "--url", link}, nil
}

func assigneeArgs(def report.Definition, title string, _ Window) ([]string, error) {
	users := report.Dedup(def.Params.Users)
	if len(users) == 0 {
		return nil, missing(def, "users")
	}
	return []string{"--title", title, "--users", strings.Join(users, ",")}, nil
}

// perforceArgs prefers the flattened member list maintained by the daily
// members refresh and falls back to the explicit users.
func perforceArgs(def report.Definition, title string, w Window) ([]string, error) {
	branches := report.Dedup(def.Params.Branches)
	if len(branches) == 0 {
		return nil, missing(def, "branches")
	}
	users := report.Dedup(def.Params.Members)
	if len(users) == 0 {
		users = report.Dedup(def.Params.Users)
	}
	if len(users) == 0 {
		return nil, missing(def, "members")
	}
	return []string{
		"--title", title,
		"--branches", strings.Join(branches, ","),
		"--users", strings.Join(users, ","),
		"--startTime", strconv.FormatInt(w.Start.Unix(), 10),
		"--endTime", strconv.FormatInt(w.End.Unix(), 10),
	}, nil
}

func jiraArgs(def report.Definition, title string, _ Window) ([]string, error) {
	jql := strings.TrimSpace(def.Params.JQL)
	if jql == "" {
		return nil, missing(def, "jql")
	}
	return []string{
		"--title", title,
		"--jql", jql,
		"--fields", strings.Join(report.Dedup(def.Params.Fields), ","),
		"--creator", def.Creator,
	}, nil
}

func svsArgs(def report.Definition, title string, _ Window) ([]string, error) {
	tests := report.Dedup(def.Params.Tests)
	if len(tests) == 0 {
		return nil, missing(def, "tests")
	}
	return []string{"--title", title, "--tests", strings.Join(tests, ",")}, nil
}

func missing(def report.Definition, param string) error {
	return evalErr("report %s (%s): required parameter %s missing", def.ID, def.Type, param)
}
