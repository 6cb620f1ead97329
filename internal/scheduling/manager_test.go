package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/recurrence"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	"reportbot/internal/storage"
	"reportbot/internal/task/engine"
	logx "reportbot/pkg/logx"
)

type fakeStore struct {
	mu   sync.Mutex
	defs map[string]report.Definition
}

func (f *fakeStore) put(d report.Definition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs[d.ID] = d
}

func (f *fakeStore) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.defs, id)
}

func (f *fakeStore) FindDefinition(_ context.Context, id string) (report.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return report.Definition{}, errors.Wrapf(storage.ErrNotFound, "definition %s", id)
	}
	return d, nil
}

func (f *fakeStore) FindEnabledDefinitions(_ context.Context) ([]report.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []report.Definition
	for _, d := range f.defs {
		if d.Schedulable() {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeExec struct {
	mu       sync.Mutex
	executed []report.Definition
	sent     map[string]string
}

func (f *fakeExec) Execute(_ context.Context, def report.Definition) (*report.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, def)
	return &report.History{JobID: def.ID, Status: report.HistorySucceeded}, nil
}

func (f *fakeExec) SendTo(_ context.Context, def report.Definition, dest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[dest] = def.ID
	return dest + ":1", nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func newTestManager(t *testing.T, enabled bool) (*Manager, *registry.Registry, *fakeStore, *fakeExec) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	reg := registry.New(registry.Config{Enabled: enabled}, eng, logx.Nop(), nil)
	st := &fakeStore{defs: map[string]report.Definition{}}
	ex := &fakeExec{}
	return New(Config{DefaultTimezone: "UTC"}, reg, st, ex, logx.Nop()), reg, st, ex
}

func daily(id string, status report.Status) report.Definition {
	return report.Definition{
		ID:           id,
		Title:        "Daily " + id,
		Status:       status,
		Type:         report.TypeText,
		Recurrence:   report.Recurrence{Type: report.RepeatDaily, Time: "09:30"},
		Params:       report.Params{Text: "hello"},
		Destinations: []string{"-100"},
	}
}

func TestScheduleEnabledDefinition(t *testing.T) {
	t.Parallel()

	m, reg, _, _ := newTestManager(t, true)
	h, err := m.Schedule(context.Background(), daily("a", report.StatusEnabled))
	if err != nil || h == nil {
		t.Fatalf("schedule: h=%v err=%v", h, err)
	}
	next, ok := m.Next("a")
	if !ok {
		t.Fatalf("no next invocation")
	}
	if next.UTC().Hour() != 9 || next.UTC().Minute() != 30 {
		t.Fatalf("next=%s", next)
	}
	if reg.Len() != 1 {
		t.Fatalf("len=%d", reg.Len())
	}
}

func TestScheduleDisabledDefinitionUnregisters(t *testing.T) {
	t.Parallel()

	m, reg, _, _ := newTestManager(t, true)
	if _, err := m.Schedule(context.Background(), daily("a", report.StatusEnabled)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h, err := m.Schedule(context.Background(), daily("a", report.StatusDisabled))
	if err != nil || h != nil {
		t.Fatalf("h=%v err=%v", h, err)
	}
	if reg.Has("a") {
		t.Fatalf("disabled definition kept its trigger")
	}
}

func TestScheduleInvalidRecurrenceKeepsRegistryUntouched(t *testing.T) {
	t.Parallel()

	m, reg, _, _ := newTestManager(t, true)
	d := daily("a", report.StatusEnabled)
	d.Recurrence = report.Recurrence{Type: report.RepeatCron, CronExpression: "61 * * * *"}
	_, err := m.Schedule(context.Background(), d)
	if !errors.Is(err, recurrence.ErrInvalidRecurrence) {
		t.Fatalf("err=%v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("trigger installed for invalid recurrence")
	}
}

func TestRestoreAllSkipsBrokenDefinitions(t *testing.T) {
	t.Parallel()

	m, reg, st, _ := newTestManager(t, true)
	st.put(daily("a", report.StatusEnabled))
	st.put(daily("b", report.StatusDraft))
	bad := daily("c", report.StatusEnabled)
	bad.Recurrence = report.Recurrence{Type: report.RepeatMonthly, DayOfMonth: 40}
	st.put(bad)

	n, err := m.RestoreAll(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 || !reg.Has("a") || reg.Has("b") || reg.Has("c") {
		t.Fatalf("installed=%d snapshot=%+v", n, reg.Snapshot())
	}
}

func TestSendNowRunsLatestDefinition(t *testing.T) {
	t.Parallel()

	m, _, st, ex := newTestManager(t, true)
	d := daily("a", report.StatusEnabled)
	st.put(d)
	if _, err := m.Schedule(context.Background(), d); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	d.Title = "Renamed"
	st.put(d)
	if err := m.SendNow(context.Background(), "a", ""); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if ex.count() != 1 || ex.executed[0].Title != "Renamed" {
		t.Fatalf("executed=%+v", ex.executed)
	}
}

func TestSendNowToDestinationIsPreview(t *testing.T) {
	t.Parallel()

	m, _, st, ex := newTestManager(t, false)
	st.put(daily("a", report.StatusDraft))

	if err := m.SendNow(context.Background(), "a", "42"); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if ex.sent["42"] != "a" || ex.count() != 0 {
		t.Fatalf("sent=%v executed=%d", ex.sent, ex.count())
	}
}

func TestSendNowUnknownJob(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, true)
	if err := m.SendNow(context.Background(), "ghost", ""); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestRunOnceIgnoresRegistry(t *testing.T) {
	t.Parallel()

	m, reg, st, ex := newTestManager(t, false)
	st.put(daily("a", report.StatusDraft))

	h, err := m.RunOnce(context.Background(), "a")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if h.JobID != "a" || ex.count() != 1 || reg.Len() != 0 {
		t.Fatalf("history=%+v executed=%d live=%d", h, ex.count(), reg.Len())
	}
	if _, err := m.RunOnce(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestFireForDeletedDefinitionUnschedules(t *testing.T) {
	t.Parallel()

	m, reg, st, ex := newTestManager(t, true)
	d := daily("a", report.StatusEnabled)
	st.put(d)
	if _, err := m.Schedule(context.Background(), d); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	st.drop("a")

	if err := m.SendNow(context.Background(), "a", ""); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if ex.count() != 0 || reg.Has("a") {
		t.Fatalf("executed=%d has=%v", ex.count(), reg.Has("a"))
	}
}

func TestFireForDisabledDefinitionSkips(t *testing.T) {
	t.Parallel()

	m, reg, st, ex := newTestManager(t, true)
	d := daily("a", report.StatusEnabled)
	if _, err := m.Schedule(context.Background(), d); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	d.Status = report.StatusDisabled
	st.put(d)

	if err := m.SendNow(context.Background(), "a", ""); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if ex.count() != 0 || reg.Has("a") {
		t.Fatalf("executed=%d has=%v", ex.count(), reg.Has("a"))
	}
}

func TestSetEnabledTogglesTriggers(t *testing.T) {
	t.Parallel()

	m, reg, st, _ := newTestManager(t, false)
	st.put(daily("a", report.StatusEnabled))
	st.put(daily("b", report.StatusEnabled))

	if n, _ := m.RestoreAll(context.Background()); n != 0 {
		t.Fatalf("restored %d while disabled", n)
	}
	if err := m.SetEnabled(context.Background(), true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("len=%d after enable", reg.Len())
	}
	if err := m.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("len=%d after disable", reg.Len())
	}
}

func TestCancelNextDelegates(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, true)
	if _, err := m.Schedule(context.Background(), daily("a", report.StatusEnabled)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	before, _ := m.Next("a")
	if !m.CancelNext("a") {
		t.Fatalf("cancel next refused")
	}
	after, _ := m.Next("a")
	if !after.Equal(before.Add(24 * time.Hour)) {
		t.Fatalf("before=%s after=%s", before, after)
	}
}
