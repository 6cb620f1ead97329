package housekeeping

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/evaluator"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	"reportbot/internal/task/engine"
	logx "reportbot/pkg/logx"
)

type fakeRunner struct {
	mu    sync.Mutex
	cmds  []evaluator.Command
	reply func(cmd evaluator.Command) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, cmd evaluator.Command) (string, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return f.reply(cmd)
}

type fakeStore struct {
	branches map[string][]string
	defs     []report.Definition
	saved    map[string]report.Definition
}

func (f *fakeStore) ReplaceBranches(_ context.Context, byProject map[string][]string) error {
	f.branches = byProject
	return nil
}

func (f *fakeStore) FindDefinitionsByType(_ context.Context, types ...report.Type) ([]report.Definition, error) {
	var out []report.Definition
	for _, d := range f.defs {
		for _, t := range types {
			if d.Type == t {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SaveDefinition(_ context.Context, def *report.Definition) error {
	if f.saved == nil {
		f.saved = map[string]report.Definition{}
	}
	f.saved[def.ID] = *def
	return nil
}

func argValue(cmd evaluator.Command, flag string) string {
	for i, a := range cmd.Args {
		if a == flag && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}

func TestRefreshBranches(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{reply: func(evaluator.Command) (string, error) {
		return `{"core":["main","rel-1","main"],"ui":["dev"]}`, nil
	}}
	st := &fakeStore{}
	s := New(Config{BranchesScript: "branches.py", Interpreter: "python3 -u", Dir: "/opt/gen"}, nil, st, run, logx.Nop(), nil)

	if err := s.RefreshBranches(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := strings.Join(st.branches["core"], ","); got != "main,rel-1" {
		t.Fatalf("core=%s", got)
	}
	cmd := run.cmds[0]
	if cmd.Name != "python3" || cmd.Args[0] != "-u" || cmd.Args[1] != "/opt/gen/branches.py" {
		t.Fatalf("cmd=%+v", cmd)
	}
}

func TestRefreshBranchesBadOutput(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{reply: func(evaluator.Command) (string, error) { return "p4: login expired", nil }}
	st := &fakeStore{}
	s := New(Config{BranchesScript: "branches.py"}, nil, st, run, logx.Nop(), nil)

	if err := s.RefreshBranches(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if st.branches != nil {
		t.Fatalf("cache replaced on failure")
	}
}

func TestRefreshMembers(t *testing.T) {
	t.Parallel()

	filters := []report.MembersFilter{{Condition: "include", Type: "selected", Members: []string{"alice"}}}
	st := &fakeStore{defs: []report.Definition{
		{ID: "p1", Type: report.TypePerforceCheckin, Params: report.Params{MembersFilters: filters}},
		{ID: "p2", Type: report.TypePerforceReviewCheck, Params: report.Params{MembersFilters: filters, Members: []string{"alice", "bob"}}},
		{ID: "p3", Type: report.TypePerforceCheckin},
		{ID: "b1", Type: report.TypeBugzilla, Params: report.Params{MembersFilters: filters}},
	}}
	run := &fakeRunner{reply: func(cmd evaluator.Command) (string, error) {
		if !strings.Contains(argValue(cmd, "--filters"), `"alice"`) {
			return "", errors.New("filters not passed")
		}
		return `["alice","bob","alice"]`, nil
	}}
	s := New(Config{MembersScript: "members.py"}, nil, st, run, logx.Nop(), nil)

	if err := s.RefreshMembers(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(run.cmds) != 2 {
		t.Fatalf("script ran %d times", len(run.cmds))
	}
	if got := strings.Join(st.saved["p1"].Params.Members, ","); got != "alice,bob" {
		t.Fatalf("p1 members=%s", got)
	}
	if _, ok := st.saved["p2"]; ok {
		t.Fatalf("unchanged report rewritten")
	}
}

func TestRefreshMembersKeepsGoingOnFailure(t *testing.T) {
	t.Parallel()

	filters := []report.MembersFilter{{Condition: "include", Type: "all_reporters", Members: []string{"x"}}}
	st := &fakeStore{defs: []report.Definition{
		{ID: "p1", Type: report.TypePerforceCheckin, Params: report.Params{MembersFilters: filters}},
		{ID: "p2", Type: report.TypePerforceCheckin, Params: report.Params{MembersFilters: filters}},
	}}
	calls := 0
	run := &fakeRunner{reply: func(evaluator.Command) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("ldap down")
		}
		return `["carol"]`, nil
	}}
	s := New(Config{MembersScript: "members.py"}, nil, st, run, logx.Nop(), nil)

	err := s.RefreshMembers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ldap down") {
		t.Fatalf("err=%v", err)
	}
	if len(st.saved) != 1 {
		t.Fatalf("saved=%v", st.saved)
	}
}

func TestRegisterInstallsDailyTriggers(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	reg := registry.New(registry.Config{Enabled: true}, eng, logx.Nop(), nil)

	run := &fakeRunner{reply: func(evaluator.Command) (string, error) { return "", errors.New("boom") }}
	s := New(Config{
		Enabled:        true,
		BranchesCron:   "0 21 * * *",
		MembersCron:    "30 21 * * *",
		Timezone:       "Asia/Shanghai",
		BranchesScript: "branches.py",
		MembersScript:  "members.py",
	}, reg, &fakeStore{}, run, logx.Nop(), nil)

	if err := s.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
	next, ok := reg.NextInvocation(BranchesJobID)
	if !ok {
		t.Fatalf("branches trigger missing")
	}
	if next.UTC().Hour() != 13 || next.UTC().Minute() != 0 {
		t.Fatalf("branches next=%s", next.UTC())
	}
	if !reg.Has(MembersJobID) {
		t.Fatalf("members trigger missing")
	}
	// Failures are swallowed.
	if err := reg.InvokeNow(context.Background(), BranchesJobID); err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestRegisterDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, &fakeStore{}, nil, logx.Nop(), nil)
	if err := s.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
}
