package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/ingest"
	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/store"
	"github.com/sells-group/runsync/internal/view"
)

const webhookSecretHeader = "X-Webhook-Secret"

var (
	validRunID   = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	unsafeInName = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// runID extracts and validates the {runID} path parameter. It writes a 400
// and returns false when the id is malformed.
func runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "runID")
	if !validRunID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid run id format")
		return "", false
	}
	return id, true
}

// decodeBody reads a JSON request body into v. Malformed bodies are
// reported as validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ingest.ValidationError(ingest.FieldViolation{Field: "body", Rule: "required", Message: "request body is empty"})
		}
		return ingest.ValidationError(ingest.FieldViolation{Field: "body", Rule: "json", Message: err.Error()})
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger(r).Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.ingest.Authenticate(r.Header.Get(webhookSecretHeader)); err != nil {
		writeIngestError(w, r, err)
		return
	}

	var payload ingest.CompletionPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeIngestError(w, r, err)
		return
	}

	res, err := s.ingest.Complete(r.Context(), id, &payload)
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStageUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.ingest.Authenticate(r.Header.Get(webhookSecretHeader)); err != nil {
		writeIngestError(w, r, err)
		return
	}

	var payload ingest.StageUpdatePayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeIngestError(w, r, err)
		return
	}

	res, err := s.ingest.UpdateStage(r.Context(), id, &payload)
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	records, err := s.store.ListStageRecords(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "stage records")
		return
	}
	cards, err := s.store.ListCards(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "opportunity cards")
		return
	}

	snap := model.BuildStatus(run, records, cards)
	snap.ViewState = string(view.Derive(snap.CurrentStage, run.Status, nil).Kind())
	writeJSON(w, http.StatusOK, snap)
}

// cardView is a card as listed for a run.
type cardView struct {
	model.OpportunityCard
	Summary string `json:"summary"`
}

func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	cards, err := s.store.ListCards(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "opportunity cards")
		return
	}

	out := make([]cardView, 0, len(cards))
	for i := range cards {
		out = append(out, cardView{OpportunityCard: cards[i], Summary: cards[i].Summary()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunity_cards": out})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	if !run.HasFullReport() {
		writeError(w, http.StatusNotFound, "report not available")
		return
	}

	name := strings.Trim(unsafeInName.ReplaceAllString(strings.ToLower(run.CompanyName), "-"), "-")
	if name == "" {
		name = run.ID
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-analysis-report.md"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, *run.FullReportMarkdown)
}

type createRunRequest struct {
	CompanyName string `json:"company_name"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeIngestError(w, r, err)
			return
		}
	}

	run, err := s.store.CreateRun(r.Context(), strings.TrimSpace(req.CompanyName))
	if err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	logger(r).Info("run created", zap.String("run_id", run.ID))
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{}

	if v := q.Get("status"); v != "" {
		st, ok := model.ParseRunStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = st
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+key)
			return
		}
		*dst = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err, "runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// runDetail is everything stored for one run.
type runDetail struct {
	Run    *model.Run              `json:"run"`
	Stages []model.StageRecord     `json:"stages"`
	Cards  []model.OpportunityCard `json:"cards"`
	Report *model.Report           `json:"report,omitempty"`
	View   view.Kind               `json:"view_state"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	detail := runDetail{Run: run}

	if detail.Stages, err = s.store.ListStageRecords(ctx, id); err != nil {
		writeStoreError(w, r, err, "stage records")
		return
	}
	if detail.Cards, err = s.store.ListCards(ctx, id); err != nil {
		writeStoreError(w, r, err, "opportunity cards")
		return
	}
	if detail.Stages == nil {
		detail.Stages = []model.StageRecord{}
	}
	if detail.Cards == nil {
		detail.Cards = []model.OpportunityCard{}
	}
	report, err := s.store.GetReport(ctx, id)
	switch {
	case err == nil:
		detail.Report = report
	case !errors.Is(err, store.ErrNotFound):
		writeStoreError(w, r, err, "report")
		return
	}

	var selection *string
	if v := r.URL.Query().Get("card"); v != "" {
		selection = &v
	}
	detail.View = view.Derive(model.HighestStage(detail.Stages), run.Status, selection).Kind()
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		writeStoreError(w, r, err, "run")
		return
	}
	logger(r).Info("run deleted", zap.String("run_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	if !validRunID.MatchString(cardID) {
		writeError(w, http.StatusBadRequest, "invalid card id format")
		return
	}
	card, err := s.store.ToggleCardStar(r.Context(), cardID)
	if err != nil {
		writeStoreError(w, r, err, "card")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": card.ID, "is_starred": card.IsStarred})
}
