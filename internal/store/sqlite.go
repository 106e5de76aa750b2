package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/runsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas are per connection; a single connection keeps them applied and
	// serializes writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	company_name         TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'PENDING',
	current_stage        INTEGER NOT NULL DEFAULT 0,
	stage1_output        TEXT,
	stage2_output        TEXT,
	stage3_output        TEXT,
	stage4_output        TEXT,
	full_report_markdown TEXT,
	completed_at         DATETIME,
	duration_ms          INTEGER,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_outputs (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage_number INTEGER NOT NULL,
	stage_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'PROCESSING',
	output       TEXT NOT NULL DEFAULT '',
	completed_at DATETIME,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, stage_number)
);

CREATE TABLE IF NOT EXISTS opportunity_cards (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	card_number INTEGER NOT NULL,
	title       TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	is_starred  BOOLEAN NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
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
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_stage_outputs_run_id ON stage_outputs(run_id);
CREATE INDEX IF NOT EXISTS idx_opportunity_cards_run_id ON opportunity_cards(run_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, companyName string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, company_name, status, current_stage, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id, companyName, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:          id,
		CompanyName: companyName,
		Status:      model.RunStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query, args, err := listRunsQuery(filter, sq.Question)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list runs")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// DeleteRun removes a run and its dependents in one transaction.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete run: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"stage_outputs", "opportunity_cards", "reports"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return eris.Wrapf(err, "sqlite: delete %s for run %s", table, runID)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete run: commit")
}

func (s *SQLiteStore) MarkStageStarted(ctx context.Context, runID string, stage int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			current_stage = MAX(current_stage, ?),
			status = CASE WHEN status = 'PENDING' THEN 'PROCESSING' ELSE status END,
			updated_at = ?
		 WHERE id = ?`,
		stage, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark stage %d started for run %s", stage, runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'FAILED', updated_at = ?
		 WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`,
		time.Now().UTC(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return s.transitioned(ctx, res, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, c model.Completion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			status = 'COMPLETED',
			current_stage = MAX(current_stage, ?),
			completed_at = ?,
			duration_ms = ?,
			full_report_markdown = COALESCE(?, full_report_markdown),
			updated_at = ?
		 WHERE id = ? AND status <> 'COMPLETED'`,
		model.MaxStage, c.CompletedAt.UTC(), nullable(c.DurationMs), nullable(c.FullReportMarkdown), time.Now().UTC(), runID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return s.transitioned(ctx, res, runID)
}

func (s *SQLiteStore) SetStageOutput(ctx context.Context, runID string, stage int, output json.RawMessage) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = ?, updated_at = ? WHERE id = ?`, col),
		nullableJSON(output), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set stage %d output for run %s", stage, runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpsertStageRecord(ctx context.Context, rec *model.StageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO stage_outputs (`+stageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, stage_number) DO UPDATE SET
			stage_name = excluded.stage_name,
			status = excluded.status,
			output = excluded.output,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
		 RETURNING id`,
		rec.ID, rec.RunID, rec.StageNumber, rec.StageName, string(rec.Status), rec.Output, nullable(rec.CompletedAt), rec.UpdatedAt,
	).Scan(&rec.ID)
	return eris.Wrapf(err, "sqlite: upsert stage %d for run %s", rec.StageNumber, rec.RunID)
}

func (s *SQLiteStore) ListStageRecords(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_outputs WHERE run_id = ? ORDER BY stage_number`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stage records for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var records []model.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list stage records iterate")
}

// CreateCards inserts cards in one transaction, skipping any that collide
// on (run_id, card_number). It returns the number actually inserted.
func (s *SQLiteStore) CreateCards(ctx context.Context, cards []model.OpportunityCard) (int, error) {
	if len(cards) == 0 {
		return 0, nil
	}
	rows := prepareCards(cards, uuid.NewString, time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create cards: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO opportunity_cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: create cards: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var inserted int64
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: create cards: insert %v", row[2])
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: create cards: rows affected")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: create cards: commit")
	}
	return int(inserted), nil
}

func (s *SQLiteStore) CreateCard(ctx context.Context, card *model.OpportunityCard) error {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opportunity_cards (`+cardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.RunID, card.Number, card.Title, card.Content, card.IsStarred, card.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create card %d for run %s", card.Number, card.RunID)
}

func (s *SQLiteStore) ListCards(ctx context.Context, runID string) ([]model.OpportunityCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM opportunity_cards WHERE run_id = ? ORDER BY card_number`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list cards for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var cards []model.OpportunityCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan card")
		}
		cards = append(cards, *c)
	}
	return cards, eris.Wrap(rows.Err(), "sqlite: list cards iterate")
}

func (s *SQLiteStore) ToggleCardStar(ctx context.Context, cardID string) (*model.OpportunityCard, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunity_cards SET is_starred = NOT is_starred WHERE id = ?`, cardID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: toggle star %s", cardID)
	}
	if err := checkRowsAffected(res, "card", cardID); err != nil {
		return nil, err
	}

	c, err := scanCard(s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM opportunity_cards WHERE id = ?`, cardID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get card %s", cardID)
	}
	return c, nil
}

func (s *SQLiteStore) SaveReport(ctx context.Context, r *model.Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
			selected_track = excluded.selected_track,
			non_selected_track = excluded.non_selected_track,
			stage1_output = excluded.stage1_output,
			stage2_output = excluded.stage2_output,
			stage3_output = excluded.stage3_output,
			stage4_output = excluded.stage4_output,
			stage5_output = excluded.stage5_output
		 RETURNING id`,
		r.ID, r.RunID, r.SelectedTrack, r.NonSelectedTrack,
		r.StageOutputs[0], r.StageOutputs[1], r.StageOutputs[2], r.StageOutputs[3], r.StageOutputs[4],
		r.CreatedAt,
	).Scan(&r.ID)
	return eris.Wrapf(err, "sqlite: save report for run %s", r.RunID)
}

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE run_id = ?`, runID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get report %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", runID)
	}
	return r, nil
}

// transitioned interprets the result of a guarded status update: one row
// means this call made the change, zero means the guard held or the run is
// missing.
func (s *SQLiteStore) transitioned(ctx context.Context, res sql.Result, runID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return true, nil
	}

	var id string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE id = ?`, runID).Scan(&id)
	if isNoRows(err) {
		return false, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	return false, eris.Wrapf(err, "sqlite: lookup run %s", runID)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// nullable dereferences p for the driver, mapping nil to NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
