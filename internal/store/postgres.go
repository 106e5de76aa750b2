package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/runsync/internal/db"
	"github.com/sells-group/runsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	company_name         TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'PENDING',
	current_stage        INTEGER NOT NULL DEFAULT 0,
	stage1_output        JSONB,
	stage2_output        JSONB,
	stage3_output        JSONB,
	stage4_output        JSONB,
	full_report_markdown TEXT,
	completed_at         TIMESTAMPTZ,
	duration_ms          BIGINT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_outputs (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage_number INTEGER NOT NULL,
	stage_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'PROCESSING',
	output       TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, stage_number)
);

CREATE TABLE IF NOT EXISTS opportunity_cards (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	card_number INTEGER NOT NULL,
	title       TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	is_starred  BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, card_number)
);

CREATE TABLE IF NOT EXISTS reports (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
	selected_track     TEXT NOT NULL DEFAULT '',
	non_selected_track TEXT NOT NULL DEFAULT '',
	stage1_output      TEXT NOT NULL DEFAULT '',
	stage2_output      TEXT NOT NULL DEFAULT '',
	stage3_output      TEXT NOT NULL DEFAULT '',
	stage4_output      TEXT NOT NULL DEFAULT '',
	stage5_output      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_stage_outputs_run_id ON stage_outputs(run_id);
CREATE INDEX IF NOT EXISTS idx_opportunity_cards_run_id ON opportunity_cards(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, companyName string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, company_name, status, current_stage, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $5)`,
		id, companyName, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:          id,
		CompanyName: companyName,
		Status:      model.RunStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query, args, err := listRunsQuery(filter, sq.Dollar)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list runs")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// DeleteRun removes a run; stage records, cards and the report cascade.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: delete run %s", runID)
	}
	return nil
}

func (s *PostgresStore) MarkStageStarted(ctx context.Context, runID string, stage int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
			current_stage = GREATEST(current_stage, $2),
			status = CASE WHEN status = 'PENDING' THEN 'PROCESSING' ELSE status END,
			updated_at = $3
		 WHERE id = $1`,
		runID, stage, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark stage %d started for run %s", stage, runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: mark stage started %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'FAILED', updated_at = $2
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		runID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.requireRun(ctx, runID)
}

// CompleteRun is a compare-and-set on status: concurrent deliveries race on
// the row lock and exactly one observes RowsAffected == 1.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, c model.Completion) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
			status = 'COMPLETED',
			current_stage = GREATEST(current_stage, $2),
			completed_at = $3,
			duration_ms = $4,
			full_report_markdown = COALESCE($5, full_report_markdown),
			updated_at = $6
		 WHERE id = $1 AND status <> 'COMPLETED'`,
		runID, model.MaxStage, c.CompletedAt.UTC(), c.DurationMs, c.FullReportMarkdown, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.requireRun(ctx, runID)
}

func (s *PostgresStore) SetStageOutput(ctx context.Context, runID string, stage int, output json.RawMessage) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = $2, updated_at = $3 WHERE id = $1`, col),
		runID, nullableJSON(output), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set stage %d output for run %s", stage, runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: set stage output %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpsertStageRecord(ctx context.Context, rec *model.StageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()

	err := s.pool.QueryRow(ctx,
		`INSERT INTO stage_outputs (`+stageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, stage_number) DO UPDATE SET
			stage_name = EXCLUDED.stage_name,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		rec.ID, rec.RunID, rec.StageNumber, rec.StageName, string(rec.Status), rec.Output, rec.CompletedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	return eris.Wrapf(err, "postgres: upsert stage %d for run %s", rec.StageNumber, rec.RunID)
}

func (s *PostgresStore) ListStageRecords(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM stage_outputs WHERE run_id = $1 ORDER BY stage_number`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stage records for run %s", runID)
	}
	defer rows.Close()

	var records []model.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list stage records iterate")
}

// CreateCards bulk-inserts cards, skipping any that collide on
// (run_id, card_number). It returns the number actually inserted.
func (s *PostgresStore) CreateCards(ctx context.Context, cards []model.OpportunityCard) (int, error) {
	rows := prepareCards(cards, uuid.NewString, time.Now().UTC())
	n, err := db.BulkInsert(ctx, s.pool, db.InsertConfig{
		Table:        "opportunity_cards",
		Columns:      cardInsertColumns,
		ConflictKeys: []string{"run_id", "card_number"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: create cards")
	}
	return int(n), nil
}

func (s *PostgresStore) CreateCard(ctx context.Context, card *model.OpportunityCard) error {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO opportunity_cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		card.ID, card.RunID, card.Number, card.Title, card.Content, card.IsStarred, card.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create card %d for run %s", card.Number, card.RunID)
}

func (s *PostgresStore) ListCards(ctx context.Context, runID string) ([]model.OpportunityCard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM opportunity_cards WHERE run_id = $1 ORDER BY card_number`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list cards for run %s", runID)
	}
	defer rows.Close()

	var cards []model.OpportunityCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan card")
		}
		cards = append(cards, *c)
	}
	return cards, eris.Wrap(rows.Err(), "postgres: list cards iterate")
}

func (s *PostgresStore) ToggleCardStar(ctx context.Context, cardID string) (*model.OpportunityCard, error) {
	c, err := scanCard(s.pool.QueryRow(ctx,
		`UPDATE opportunity_cards SET is_starred = NOT is_starred WHERE id = $1 RETURNING `+cardColumns,
		cardID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: toggle star %s", cardID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: toggle star %s", cardID)
	}
	return c, nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, r *model.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO UPDATE SET
			selected_track = EXCLUDED.selected_track,
			non_selected_track = EXCLUDED.non_selected_track,
			stage1_output = EXCLUDED.stage1_output,
			stage2_output = EXCLUDED.stage2_output,
			stage3_output = EXCLUDED.stage3_output,
			stage4_output = EXCLUDED.stage4_output,
			stage5_output = EXCLUDED.stage5_output
		 RETURNING id`,
		r.ID, r.RunID, r.SelectedTrack, r.NonSelectedTrack,
		r.StageOutputs[0], r.StageOutputs[1], r.StageOutputs[2], r.StageOutputs[3], r.StageOutputs[4],
		r.CreatedAt,
	).Scan(&r.ID)
	return eris.Wrapf(err, "postgres: save report for run %s", r.RunID)
}

func (s *PostgresStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE run_id = $1`, runID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get report %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report %s", runID)
	}
	return r, nil
}

// requireRun returns ErrNotFound when runID does not exist.
func (s *PostgresStore) requireRun(ctx context.Context, runID string) error {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1`, runID).Scan(&id)
	if isNoRows(err) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return eris.Wrapf(err, "postgres: lookup run %s", runID)
}
