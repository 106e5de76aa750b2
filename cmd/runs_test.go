//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/runsync/internal/config"
	"github.com/sells-group/runsync/internal/model"
)

func int64Ptr(v int64) *int64 { return &v }

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			CompanyName:  "Acme Corp",
			Status:       model.RunStatusCompleted,
			CurrentStage: 5,
			CreatedAt:    now,
			UpdatedAt:    now.Add(2 * time.Minute),
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			CompanyName:  "A company name that is far too long to display",
			Status:       model.RunStatusProcessing,
			CurrentStage: 2,
			CreatedAt:    now.Add(-1 * time.Hour),
			UpdatedAt:    now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "COMPANY")
	assert.Contains(t, output, "Acme Corp")
	assert.Contains(t, output, "COMPLETED")
	assert.Contains(t, output, "5/5")
	assert.Contains(t, output, "2/5")
	assert.Contains(t, output, "A company name that is far ...")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestComputeRunStats(t *testing.T) {
	runs := []model.Run{
		{Status: model.RunStatusCompleted, DurationMs: int64Ptr(2000)},
		{Status: model.RunStatusCompleted, DurationMs: int64Ptr(4000)},
		{Status: model.RunStatusCompleted},
		{Status: model.RunStatusFailed},
		{Status: model.RunStatusProcessing},
		{Status: model.RunStatusPending},
		{Status: model.RunStatusCancelled},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 7, s.Total)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Cancelled)
	assert.InDelta(t, 3.0, s.AvgDurSecs, 0.001)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Avg duration:")
	assert.Contains(t, buf.String(), "3.0s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func sampleDetail() runDetail {
	done := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	report := "# Report"
	run := &model.Run{
		ID:                 "run-1",
		CompanyName:        "Acme",
		Status:             model.RunStatusCompleted,
		CurrentStage:       5,
		FullReportMarkdown: &report,
		DurationMs:         int64Ptr(90000),
		CompletedAt:        &done,
	}
	records := []model.StageRecord{
		{StageNumber: 1, StageName: "Input Processing", Status: model.StageStatusCompleted, Output: "abc", CompletedAt: &done},
	}
	cards := []model.OpportunityCard{{Number: 1, Title: "Snacks", Content: "Make snacks", IsStarred: true}}
	return newRunDetail(run, records, cards)
}

func TestNewRunDetail(t *testing.T) {
	d := sampleDetail()
	assert.Equal(t, "STATE_3", d.ViewState)
	assert.True(t, d.HasReport)
	require.Len(t, d.Stages, 1)
	assert.Equal(t, 3, d.Stages[0].OutputBytes)
	require.Len(t, d.Cards, 1)
	assert.True(t, d.Cards[0].Starred)
	assert.Equal(t, "Make snacks", d.Cards[0].Summary)
}

func TestWriteRunDetail_Formats(t *testing.T) {
	d := sampleDetail()

	var js bytes.Buffer
	require.NoError(t, writeRunDetail(&js, "json", d))
	var fromJSON map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &fromJSON))
	assert.Equal(t, "run-1", fromJSON["id"])

	var ys bytes.Buffer
	require.NoError(t, writeRunDetail(&ys, "yaml", d))
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(ys.Bytes(), &fromYAML))
	assert.Equal(t, "run-1", fromYAML["id"])
	assert.Equal(t, "STATE_3", fromYAML["view_state"])
	assert.Contains(t, ys.String(), "title: Snacks")

	assert.Error(t, writeRunDetail(&bytes.Buffer{}, "xml", d))
}

func TestInitStore_SQLite(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{Store: config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "cmd.db"),
	}}

	ctx := context.Background()
	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	run, err := st.CreateRun(ctx, "Acme")
	require.NoError(t, err)
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.CompanyName)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_PostgresBadURLNotRetried(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "postgres", DatabaseURL: "::not a url::"}}

	start := time.Now()
	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
	assert.Less(t, time.Since(start), time.Second)
}
