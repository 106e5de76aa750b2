package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/runsync/internal/model"
)

// ErrNotFound is returned (wrapped) when a run, card or report does not exist.
var ErrNotFound = errors.New("store: not found")

const defaultListLimit = 100

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status        model.RunStatus `json:"status,omitempty"`
	UpdatedBefore time.Time       `json:"updated_before,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// Store is the persistence interface for pipeline runs and their stage
// records, opportunity cards and reports.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, companyName string) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	DeleteRun(ctx context.Context, runID string) error

	// MarkStageStarted moves a PENDING run to PROCESSING and raises its
	// current stage to stage. The current stage never decreases.
	MarkStageStarted(ctx context.Context, runID string, stage int) error
	// FailRun marks a non-terminal run FAILED and reports whether it did.
	FailRun(ctx context.Context, runID string) (bool, error)
	// CompleteRun transitions a run into COMPLETED unless it already is. It
	// reports whether this call performed the transition.
	CompleteRun(ctx context.Context, runID string, c model.Completion) (bool, error)
	// SetStageOutput writes the denormalized output field for stage 1..4.
	SetStageOutput(ctx context.Context, runID string, stage int, output json.RawMessage) error

	// Stage records
	UpsertStageRecord(ctx context.Context, rec *model.StageRecord) error
	ListStageRecords(ctx context.Context, runID string) ([]model.StageRecord, error)

	// Opportunity cards
	CreateCards(ctx context.Context, cards []model.OpportunityCard) (int, error)
	CreateCard(ctx context.Context, card *model.OpportunityCard) error
	ListCards(ctx context.Context, runID string) ([]model.OpportunityCard, error)
	ToggleCardStar(ctx context.Context, cardID string) (*model.OpportunityCard, error)

	// Reports
	SaveReport(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, runID string) (*model.Report, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	runColumns = `id, company_name, status, current_stage,
		stage1_output, stage2_output, stage3_output, stage4_output,
		full_report_markdown, completed_at, duration_ms, created_at, updated_at`
	stageColumns  = `id, run_id, stage_number, stage_name, status, output, completed_at, updated_at`
	cardColumns   = `id, run_id, card_number, title, content, is_starred, created_at`
	reportColumns = `id, run_id, selected_track, non_selected_track,
		stage1_output, stage2_output, stage3_output, stage4_output, stage5_output, created_at`
)

// cardInsertColumns is the column order used by both bulk card inserts.
var cardInsertColumns = []string{"id", "run_id", "card_number", "title", "content", "is_starred", "created_at"}

// listRunsQuery builds the ListRuns statement for the given placeholder style.
func listRunsQuery(filter RunFilter, format sq.PlaceholderFormat) (string, []any, error) {
	q := sq.Select(runColumns).From("runs").PlaceholderFormat(format)
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where(sq.Lt{"updated_at": filter.UpdatedBefore.UTC()})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q = q.OrderBy("created_at DESC").Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q.ToSql()
}

// stageColumn returns the denormalized column name for stage n.
func stageColumn(n int) (string, error) {
	if !model.HasDenormalizedOutput(n) {
		return "", eris.Errorf("store: stage %d has no denormalized output", n)
	}
	return fmt.Sprintf("stage%d_output", n), nil
}

// prepareCards fills ids and timestamps on cards that lack them.
func prepareCards(cards []model.OpportunityCard, newID func() string, now time.Time) [][]any {
	rows := make([][]any, 0, len(cards))
	for i := range cards {
		c := &cards[i]
		if c.ID == "" {
			c.ID = newID()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		rows = append(rows, []any{c.ID, c.RunID, c.Number, c.Title, c.Content, c.IsStarred, c.CreatedAt})
	}
	return rows
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stages [model.DenormalizedStages][]byte

	err := row.Scan(
		&r.ID, &r.CompanyName, &r.Status, &r.CurrentStage,
		&stages[0], &stages[1], &stages[2], &stages[3],
		&r.FullReportMarkdown, &r.CompletedAt, &r.DurationMs, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for i, s := range stages {
		if len(s) > 0 {
			r.StageOutputs[i] = json.RawMessage(s)
		}
	}
	return &r, nil
}

func scanStageRecord(row scannable) (*model.StageRecord, error) {
	var rec model.StageRecord
	err := row.Scan(&rec.ID, &rec.RunID, &rec.StageNumber, &rec.StageName, &rec.Status,
		&rec.Output, &rec.CompletedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanCard(row scannable) (*model.OpportunityCard, error) {
	var c model.OpportunityCard
	err := row.Scan(&c.ID, &c.RunID, &c.Number, &c.Title, &c.Content, &c.IsStarred, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanReport(row scannable) (*model.Report, error) {
	var r model.Report
	err := row.Scan(&r.ID, &r.RunID, &r.SelectedTrack, &r.NonSelectedTrack,
		&r.StageOutputs[0], &r.StageOutputs[1], &r.StageOutputs[2], &r.StageOutputs[3], &r.StageOutputs[4],
		&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
