package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/runsync/internal/config"
	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/store"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	runs, _ := args.Get(0).([]model.Run)
	return runs, args.Error(1)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	lister := &mockLister{}
	lister.On("ListRuns", mock.Anything, mock.Anything).Return([]model.Run{}, nil).Maybe()
	checker := NewChecker(lister, config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_CheckFilter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	lister := &mockLister{}
	lister.On("ListRuns", mock.Anything, store.RunFilter{
		Status:        model.RunStatusProcessing,
		UpdatedBefore: now.Add(-15 * time.Minute),
		Limit:         500,
	}).Return([]model.Run{{ID: "stuck", CurrentStage: 3, UpdatedAt: now.Add(-20 * time.Minute)}}, nil)

	checker := NewChecker(lister, config.MonitoringConfig{StallAfterMins: 15})
	checker.now = func() time.Time { return now }

	stalled, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "stuck", stalled[0].ID)
	lister.AssertExpectations(t)
}

func TestChecker_CheckError(t *testing.T) {
	lister := &mockLister{}
	lister.On("ListRuns", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := NewChecker(lister, config.MonitoringConfig{}).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list processing runs")
}

func TestChecker_AgainstSQLite(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "mon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	run, err := st.CreateRun(ctx, "Acme")
	require.NoError(t, err)
	require.NoError(t, st.MarkStageStarted(ctx, run.ID, 2))
	_, err = st.CreateRun(ctx, "Pending Co")
	require.NoError(t, err)

	checker := NewChecker(st, config.MonitoringConfig{StallAfterMins: 10})

	stalled, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	checker.now = func() time.Time { return time.Now().Add(time.Hour) }
	stalled, err = checker.Check(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, run.ID, stalled[0].ID)
}
