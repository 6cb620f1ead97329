package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/report"
	logx "reportbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "reportbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func def(id string, status report.Status, typ report.Type) *report.Definition {
	return &report.Definition{
		ID:           id,
		Title:        "Report " + id,
		Creator:      "alice",
		Status:       status,
		Type:         typ,
		Recurrence:   report.Recurrence{Type: report.RepeatDaily, Time: "09:00"},
		Destinations: []string{"-100"},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestDefinitionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	d := def("r1", report.StatusEnabled, report.TypeBugzilla)
	d.Params.BugzillaLink = "https://bugzilla.example/buglist.cgi?x=1"
	require.NoError(t, st.SaveDefinition(ctx, d))
	created := d.CreatedAt

	got, err := st.FindDefinition(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, d.Params.BugzillaLink, got.Params.BugzillaLink)
	assert.Equal(t, report.RepeatDaily, got.Recurrence.Type)

	d.Status = report.StatusDisabled
	require.NoError(t, st.SaveDefinition(ctx, d))
	got, err = st.FindDefinition(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusDisabled, got.Status)
	assert.True(t, got.CreatedAt.Equal(created), "created_at must survive updates")
}

func TestSaveDefinitionValidates(t *testing.T) {
	st := openTestStore(t)

	d := def("r1", report.StatusEnabled, report.Type("nope"))
	require.ErrorIs(t, st.SaveDefinition(context.Background(), d), report.ErrUnsupportedType)
}

func TestFindDefinitionNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.FindDefinition(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindEnabledAndByType(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveDefinition(ctx, def("a", report.StatusEnabled, report.TypeText)))
	require.NoError(t, st.SaveDefinition(ctx, def("b", report.StatusDraft, report.TypePerforceCheckin)))
	require.NoError(t, st.SaveDefinition(ctx, def("c", report.StatusEnabled, report.TypePerforceReviewCheck)))

	enabled, err := st.FindEnabledDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "a", enabled[0].ID)
	assert.Equal(t, "c", enabled[1].ID)

	p4, err := st.FindDefinitionsByType(ctx, report.TypePerforceCheckin, report.TypePerforceReviewCheck)
	require.NoError(t, err)
	require.Len(t, p4, 2)
	assert.Equal(t, "b", p4[0].ID)

	require.NoError(t, st.DeleteDefinition(ctx, "a"))
	require.NoError(t, st.DeleteDefinition(ctx, "a"))
	all, err := st.FindDefinitionsByType(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHistoryLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC)
	h := report.NewPendingHistory(*def("r1", report.StatusEnabled, report.TypeText), []string{"-100"}, nil, now)
	require.NoError(t, st.InsertHistory(ctx, h))

	got, err := st.FindHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, report.HistoryPending, got.Status)
	assert.Nil(t, got.SentTime)

	require.True(t, h.Finalize(report.HistorySucceeded, "body", map[string]string{"-100": "-100:7"}, now.Add(time.Minute)))
	require.NoError(t, st.UpdateHistory(ctx, h))

	got, err = st.FindHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, report.HistorySucceeded, got.Status)
	assert.Equal(t, "-100:7", got.DeliveryReceipts["-100"])
	require.NotNil(t, got.SentTime)

	// Terminal rows are never rewritten.
	tampered := *h
	tampered.Status = report.HistoryFailed
	tampered.Content = "rewritten"
	require.ErrorIs(t, st.UpdateHistory(ctx, &tampered), ErrHistoryFinal)
	got, err = st.FindHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "body", got.Content)
}

func TestUpdateHistoryNotFound(t *testing.T) {
	st := openTestStore(t)

	h := report.NewPendingHistory(*def("r1", report.StatusEnabled, report.TypeText), nil, nil, time.Now())
	require.ErrorIs(t, st.UpdateHistory(context.Background(), h), ErrNotFound)
}

func TestListHistoriesNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		h := report.NewPendingHistory(*def("r1", report.StatusEnabled, report.TypeText), nil, nil, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, st.InsertHistory(ctx, h))
		ids = append(ids, h.ID)
	}
	other := report.NewPendingHistory(*def("r2", report.StatusEnabled, report.TypeText), nil, nil, base)
	require.NoError(t, st.InsertHistory(ctx, other))

	got, err := st.ListHistories(ctx, HistoryFilter{JobID: "r1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	pending, err := st.ListHistories(ctx, HistoryFilter{Status: string(report.HistoryPending)})
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestReplaceBranches(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceBranches(ctx, map[string][]string{
		"core": {"main", "rel-1", "main"},
		"ui":   {"dev"},
	}))
	all, err := st.ListBranches(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Branch{{"core", "main"}, {"core", "rel-1"}, {"ui", "dev"}}, all)

	require.NoError(t, st.ReplaceBranches(ctx, map[string][]string{"ui": {"next"}}))
	ui, err := st.ListBranches(ctx, "ui")
	require.NoError(t, err)
	assert.Equal(t, []Branch{{"ui", "next"}}, ui)
	core, err := st.ListBranches(ctx, "core")
	require.NoError(t, err)
	assert.Empty(t, core)
}
