// Package ingest applies the pipeline worker's stage reports and completion
// webhooks to the run store.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/sanitize"
	"github.com/sells-group/runsync/internal/store"
)

const alreadyCompletedMessage = "Run already completed"

// postCompletionTimeout bounds the card and report writes that follow the
// COMPLETED transition. They no longer follow the caller's cancellation.
const postCompletionTimeout = 2 * time.Minute

// Service authenticates and applies worker callbacks. It holds no per-run
// state; every call reads the current persisted run.
type Service struct {
	store    store.Store
	secret   string
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates a Service. An empty secret is accepted here but every
// Authenticate call then fails with a config error.
func NewService(st store.Store, secret string) *Service {
	return &Service{
		store:    st,
		secret:   secret,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "ingest")),
	}
}

// Authenticate compares the provided shared secret with the configured one.
func (s *Service) Authenticate(provided string) error {
	if s.secret == "" {
		s.log.Error("webhook secret is not configured")
		return configError("webhook secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
		s.log.Warn("webhook authentication failed")
		return authError()
	}
	return nil
}

// CompletionResult is the completion webhook response.
type CompletionResult struct {
	Success            bool   `json:"success"`
	CardsCreated       int    `json:"cardsCreated"`
	TotalOpportunities int    `json:"totalOpportunities"`
	Skipped            int    `json:"skipped,omitempty"`
	AlreadyCompleted   bool   `json:"alreadyCompleted,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Complete applies a completion payload. Repeated deliveries for a run that
// is already COMPLETED return success without writing anything.
func (s *Service) Complete(ctx context.Context, runID string, p *CompletionPayload) (*CompletionResult, error) {
	if err := s.validate.Struct(p); err != nil {
		s.log.Warn("invalid completion payload", zap.String("run_id", runID), zap.Error(err))
		return nil, ValidationError(violationsFrom(err)...)
	}
	log := s.log.With(zap.String("run_id", runID))
	log.Info("received completion", zap.Int("opportunities", len(p.Opportunities)))

	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("completion for unknown run")
		return nil, notFoundError(runID, err)
	}
	if err != nil {
		return nil, internalError("load run", err)
	}

	already := &CompletionResult{
		Success:            true,
		TotalOpportunities: len(p.Opportunities),
		AlreadyCompleted:   true,
		Message:            alreadyCompletedMessage,
	}
	if run.Status == model.RunStatusCompleted {
		log.Info("run already completed")
		return already, nil
	}

	completion := model.Completion{
		CompletedAt:        s.now(),
		DurationMs:         p.DurationMs(),
		FullReportMarkdown: nonEmpty(p.FullReportMarkdown),
	}
	if t, ok := parseTime(p.CompletedAt); ok {
		completion.CompletedAt = t
	}

	transitioned, err := s.store.CompleteRun(ctx, runID, completion)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError(runID, err)
	}
	if err != nil {
		return nil, internalError("complete run", err)
	}
	if !transitioned {
		log.Info("run completed by a concurrent delivery")
		return already, nil
	}
	log.Info("run marked completed", zap.Bool("has_report", completion.FullReportMarkdown != nil))

	// Redeliveries are no-ops once the run is COMPLETED, so a caller that
	// disconnects now must not abort the writes that only happen here.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postCompletionTimeout)
	defer cancel()

	cards, skipped := s.buildCards(log, runID, p.Opportunities)
	created := s.createCards(writeCtx, log, cards)
	log.Info("created opportunity cards",
		zap.Int("created", created),
		zap.Int("valid", len(cards)),
		zap.Int("total", len(p.Opportunities)),
	)

	if err := s.saveReport(writeCtx, runID); err != nil {
		log.Error("report generation failed", zap.Error(err))
	}

	return &CompletionResult{
		Success:            true,
		CardsCreated:       created,
		TotalOpportunities: len(p.Opportunities),
		Skipped:            skipped,
	}, nil
}

// buildCards drops entries without a title or content and sanitizes the
// rest. Sanitization may leave content empty; such cards are still created.
func (s *Service) buildCards(log *zap.Logger, runID string, opps []Opportunity) ([]model.OpportunityCard, int) {
	cards := make([]model.OpportunityCard, 0, len(opps))
	skipped := 0
	for i, o := range opps {
		number := o.Number
		if number <= 0 {
			number = i + 1
		}
		if o.Title == "" {
			log.Warn("skipping opportunity without title", zap.Int("number", number))
			skipped++
			continue
		}
		raw := o.RawContent()
		if raw == "" {
			log.Warn("skipping opportunity without content", zap.Int("number", number), zap.String("title", o.Title))
			skipped++
			continue
		}

		content := sanitize.Content(raw)
		if content == "" {
			log.Warn("opportunity content discarded by sanitizer", zap.Int("number", number), zap.Int("raw_len", len(raw)))
		}
		cards = append(cards, model.OpportunityCard{
			RunID:   runID,
			Number:  number,
			Title:   o.Title,
			Content: content,
		})
	}
	return cards, skipped
}

// createCards tries one bulk insert and falls back to row-by-row inserts,
// continuing past individual failures.
func (s *Service) createCards(ctx context.Context, log *zap.Logger, cards []model.OpportunityCard) int {
	if len(cards) == 0 {
		return 0
	}
	n, err := s.store.CreateCards(ctx, cards)
	if err == nil {
		return n
	}
	log.Error("bulk card insert failed, inserting individually", zap.Error(err))

	created := 0
	for i := range cards {
		card := cards[i]
		card.ID = ""
		if err := s.store.CreateCard(ctx, &card); err != nil {
			log.Error("card insert failed", zap.Int("number", card.Number), zap.Error(err))
			continue
		}
		created++
	}
	return created
}

// saveReport assembles the run report from logged stage records.
func (s *Service) saveReport(ctx context.Context, runID string) error {
	records, err := s.store.ListStageRecords(ctx, runID)
	if err != nil {
		return err
	}

	report := &model.Report{RunID: runID}
	for _, rec := range records {
		if model.ValidStage(rec.StageNumber) {
			report.StageOutputs[rec.StageNumber-1] = rec.Output
		}
	}
	report.SelectedTrack, report.NonSelectedTrack = trackTitles(report.StageOutputs[0])

	return s.store.SaveReport(ctx, report)
}

// trackTitles reads the selected and non-selected track labels from the
// stage 1 output.
func trackTitles(stage1 string) (selected, nonSelected string) {
	if stage1 == "" || !gjson.Valid(stage1) {
		return "", ""
	}
	doc := gjson.Parse(stage1)
	selected = doc.Get("inspirations.0.title").String()
	if selected == "" {
		selected = doc.Get("trendTitle").String()
	}
	return selected, doc.Get("inspirations.1.title").String()
}

// StageUpdateResult is the stage-update response.
type StageUpdateResult struct {
	Success     bool             `json:"success"`
	StageOutput StageOutputBrief `json:"stageOutput"`
}

// StageOutputBrief identifies the upserted stage record.
type StageOutputBrief struct {
	ID          string            `json:"id"`
	StageNumber int               `json:"stageNumber"`
	Status      model.StageStatus `json:"status"`
}

// UpdateStage records a stage report: the stage record is upserted, stages
// 1..4 are mirrored onto the run, and the run status advances.
func (s *Service) UpdateStage(ctx context.Context, runID string, p *StageUpdatePayload) (*StageUpdateResult, error) {
	if err := s.validate.Struct(p); err != nil {
		s.log.Warn("invalid stage update", zap.String("run_id", runID), zap.Error(err))
		return nil, ValidationError(violationsFrom(err)...)
	}
	log := s.log.With(zap.String("run_id", runID), zap.Int("stage", p.StageNumber))

	if _, err := s.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("stage update for unknown run")
			return nil, notFoundError(runID, err)
		}
		return nil, internalError("load run", err)
	}

	status := model.StageStatusCompleted
	if p.Status != "" {
		status, _ = model.ParseStageStatus(p.Status)
	}
	name := p.StageName
	if name == "" {
		name = model.StageName(p.StageNumber)
	}

	rec := &model.StageRecord{
		RunID:       runID,
		StageNumber: p.StageNumber,
		StageName:   name,
		Status:      status,
		Output:      p.OutputText(),
	}
	if t, ok := parseTime(p.CompletedAt); ok {
		rec.CompletedAt = &t
	} else if status == model.StageStatusCompleted {
		now := s.now()
		rec.CompletedAt = &now
	}

	if err := s.store.UpsertStageRecord(ctx, rec); err != nil {
		return nil, internalError("upsert stage record", err)
	}
	log.Info("stage record saved", zap.String("status", string(status)), zap.String("record_id", rec.ID))

	if model.HasDenormalizedOutput(p.StageNumber) && rec.Output != "" {
		if err := s.store.SetStageOutput(ctx, runID, p.StageNumber, denormalize(rec.Output)); err != nil {
			log.Warn("denormalized stage output not written", zap.Error(err))
		}
	}

	if status == model.StageStatusFailed {
		failed, err := s.store.FailRun(ctx, runID)
		if err != nil {
			return nil, internalError("fail run", err)
		}
		if failed {
			log.Warn("run marked failed")
		}
	} else if err := s.store.MarkStageStarted(ctx, runID, p.StageNumber); err != nil {
		return nil, internalError("advance run", err)
	}

	return &StageUpdateResult{
		Success: true,
		StageOutput: StageOutputBrief{
			ID:          rec.ID,
			StageNumber: rec.StageNumber,
			Status:      rec.Status,
		},
	}, nil
}

// denormalize keeps parseable JSON as-is and stores anything else as a
// JSON string.
func denormalize(output string) json.RawMessage {
	if json.Valid([]byte(output)) {
		return json.RawMessage(output)
	}
	quoted, _ := json.Marshal(output)
	return quoted
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
