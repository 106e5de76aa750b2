package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/runsync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string { return &s }

// --- Runs ---

func TestSQLite_CreateAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "Acme Corp", got.CompanyName)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, 0, got.CurrentStage)
	assert.Nil(t, got.StageOutput(1))
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.HasFullReport())
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListRuns_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateRun(ctx, "A")
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, st.MarkStageStarted(ctx, a.ID, 1))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	processing, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, a.ID, processing[0].ID)

	limited, err := st.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stale, err := st.ListRuns(ctx, RunFilter{
		Status:        model.RunStatusProcessing,
		UpdatedBefore: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	fresh, err := st.ListRuns(ctx, RunFilter{
		Status:        model.RunStatusProcessing,
		UpdatedBefore: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestSQLite_MarkStageStarted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	require.NoError(t, st.MarkStageStarted(ctx, run.ID, 3))
	require.NoError(t, st.MarkStageStarted(ctx, run.ID, 2))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusProcessing, got.Status)
	assert.Equal(t, 3, got.CurrentStage, "current stage never decreases")

	err = st.MarkStageStarted(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CompleteRun_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	dur := int64(1234)
	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done, err := st.CompleteRun(ctx, run.ID, model.Completion{
		CompletedAt:        completedAt,
		DurationMs:         &dur,
		FullReportMarkdown: strPtr("# Report"),
	})
	require.NoError(t, err)
	assert.True(t, done)

	again, err := st.CompleteRun(ctx, run.ID, model.Completion{CompletedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, again, "second completion must not transition")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, model.MaxStage, got.CurrentStage)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completedAt.Equal(*got.CompletedAt), "completedAt written once")
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, dur, *got.DurationMs)
	assert.Equal(t, "# Report", *got.FullReportMarkdown)

	_, err = st.CompleteRun(ctx, "missing", model.Completion{CompletedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CompleteRun_KeepsExistingReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `UPDATE runs SET full_report_markdown = ? WHERE id = ?`, "existing", run.ID)
	require.NoError(t, err)

	done, err := st.CompleteRun(ctx, run.ID, model.Completion{CompletedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FullReportMarkdown)
	assert.Equal(t, "existing", *got.FullReportMarkdown)
}

func TestSQLite_CompleteRun_ConcurrentDeliveries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := st.CompleteRun(ctx, run.ID, model.Completion{CompletedAt: time.Now()})
			assert.NoError(t, err)
			results <- done
		}()
	}
	wg.Wait()
	close(results)

	transitions := 0
	for done := range results {
		if done {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	failed, err := st.FailRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, failed)

	failed, err = st.FailRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, failed)

	completed, err := st.CreateRun(ctx, "")
	require.NoError(t, err)
	_, err = st.CompleteRun(ctx, completed.ID, model.Completion{CompletedAt: time.Now()})
	require.NoError(t, err)

	failed, err = st.FailRun(ctx, completed.ID)
	require.NoError(t, err)
	assert.False(t, failed, "completed runs never fail")
}

func TestSQLite_SetStageOutput(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	require.NoError(t, st.SetStageOutput(ctx, run.ID, 1, json.RawMessage(`{"trendTitle":"X"}`)))
	require.NoError(t, st.SetStageOutput(ctx, run.ID, 4, json.RawMessage(`"plain text"`)))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"trendTitle":"X"}`, string(got.StageOutput(1)))
	assert.JSONEq(t, `"plain text"`, string(got.StageOutput(4)))
	assert.Nil(t, got.StageOutput(2))

	err = st.SetStageOutput(ctx, run.ID, 5, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no denormalized output")
}

// --- Stage records ---

func TestSQLite_UpsertStageRecord_NoDuplicates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	first := &model.StageRecord{
		RunID: run.ID, StageNumber: 2, StageName: model.StageName(2),
		Status: model.StageStatusProcessing, Output: "partial",
	}
	require.NoError(t, st.UpsertStageRecord(ctx, first))

	now := time.Now().UTC()
	second := &model.StageRecord{
		RunID: run.ID, StageNumber: 2, StageName: model.StageName(2),
		Status: model.StageStatusCompleted, Output: `{"done":true}`, CompletedAt: &now,
	}
	require.NoError(t, st.UpsertStageRecord(ctx, second))
	assert.Equal(t, first.ID, second.ID, "upsert keeps the original record id")

	records, err := st.ListStageRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.StageStatusCompleted, records[0].Status)
	assert.Equal(t, `{"done":true}`, records[0].Output)
	assert.NotNil(t, records[0].CompletedAt)
}

// --- Cards ---

func TestSQLite_CreateCards_SkipsDuplicates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	cards := []model.OpportunityCard{
		{RunID: run.ID, Number: 1, Title: "One", Content: "a"},
		{RunID: run.ID, Number: 2, Title: "Two", Content: "b"},
		{RunID: run.ID, Number: 2, Title: "Two again", Content: "c"},
	}
	n, err := st.CreateCards(ctx, cards)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CreateCards(ctx, []model.OpportunityCard{{RunID: run.ID, Number: 1, Title: "One"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := st.ListCards(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "One", got[0].Title)
	assert.Equal(t, "Two", got[1].Title)
}

func TestSQLite_CreateCard_DuplicateFails(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	require.NoError(t, st.CreateCard(ctx, &model.OpportunityCard{RunID: run.ID, Number: 1, Title: "One"}))
	err = st.CreateCard(ctx, &model.OpportunityCard{RunID: run.ID, Number: 1, Title: "Dup"})
	assert.Error(t, err)
}

func TestSQLite_ToggleCardStar(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)
	card := &model.OpportunityCard{RunID: run.ID, Number: 1, Title: "One"}
	require.NoError(t, st.CreateCard(ctx, card))

	got, err := st.ToggleCardStar(ctx, card.ID)
	require.NoError(t, err)
	assert.True(t, got.IsStarred)

	got, err = st.ToggleCardStar(ctx, card.ID)
	require.NoError(t, err)
	assert.False(t, got.IsStarred)

	_, err = st.ToggleCardStar(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Reports ---

func TestSQLite_SaveReport_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)

	_, err = st.GetReport(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	r := &model.Report{RunID: run.ID, SelectedTrack: "A"}
	require.NoError(t, st.SaveReport(ctx, r))

	r2 := &model.Report{RunID: run.ID, SelectedTrack: "B", NonSelectedTrack: "C"}
	r2.StageOutputs[4] = "cards"
	require.NoError(t, st.SaveReport(ctx, r2))
	assert.Equal(t, r.ID, r2.ID)

	got, err := st.GetReport(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.SelectedTrack)
	assert.Equal(t, "C", got.NonSelectedTrack)
	assert.Equal(t, "cards", got.StageOutputs[4])
}

// --- Delete ---

func TestSQLite_DeleteRun_Cascades(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "")
	require.NoError(t, err)
	require.NoError(t, st.UpsertStageRecord(ctx, &model.StageRecord{
		RunID: run.ID, StageNumber: 1, Status: model.StageStatusCompleted,
	}))
	_, err = st.CreateCards(ctx, []model.OpportunityCard{{RunID: run.ID, Number: 1, Title: "One"}})
	require.NoError(t, err)
	require.NoError(t, st.SaveReport(ctx, &model.Report{RunID: run.ID}))

	require.NoError(t, st.DeleteRun(ctx, run.ID))

	_, err = st.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	records, err := st.ListStageRecords(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, records)

	cards, err := st.ListCards(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, cards)

	_, err = st.GetReport(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, st.DeleteRun(ctx, run.ID), ErrNotFound)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
