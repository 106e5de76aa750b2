package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// StageSnapshot is the per-stage entry of a status snapshot.
type StageSnapshot struct {
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// PartialOpportunity is a card preview served while or after stage 5 runs.
type PartialOpportunity struct {
	ID         string `json:"id"`
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	IsComplete bool   `json:"is_complete"`
}

// StatusSnapshot is the polled view of a run. Status strings are lowercase.
type StatusSnapshot struct {
	RunID                string                   `json:"run_id"`
	Status               string                   `json:"status"`
	CurrentStage         int                      `json:"current_stage"`
	Stages               map[string]StageSnapshot `json:"stages"`
	BrandName            string                   `json:"brand_name,omitempty"`
	Stage1Output         json.RawMessage          `json:"stage1_output"`
	Stage2Output         json.RawMessage          `json:"stage2_output"`
	Stage3Output         json.RawMessage          `json:"stage3_output"`
	Stage4Output         json.RawMessage          `json:"stage4_output"`
	HasFullReport        bool                     `json:"has_full_report"`
	PartialOpportunities []PartialOpportunity     `json:"partial_opportunities,omitempty"`
	ViewState            string                   `json:"view_state,omitempty"`
}

// BuildStatus assembles the snapshot for a run from its stage records and
// cards. Records and cards are expected in stage and card number order.
func BuildStatus(run *Run, records []StageRecord, cards []OpportunityCard) *StatusSnapshot {
	snap := &StatusSnapshot{
		RunID:         run.ID,
		Status:        strings.ToLower(string(run.Status)),
		CurrentStage:  HighestStage(records),
		Stages:        make(map[string]StageSnapshot, MaxStage),
		BrandName:     run.CompanyName,
		Stage1Output:  run.StageOutputs[0],
		Stage2Output:  run.StageOutputs[1],
		Stage3Output:  run.StageOutputs[2],
		Stage4Output:  run.StageOutputs[3],
		HasFullReport: run.HasFullReport(),
	}
	for n := MinStage; n <= MaxStage; n++ {
		snap.Stages[strconv.Itoa(n)] = StageSnapshot{Status: "pending"}
	}

	hasFinalStage := false
	for _, rec := range records {
		if !ValidStage(rec.StageNumber) {
			continue
		}
		snap.Stages[strconv.Itoa(rec.StageNumber)] = StageSnapshot{
			Status:      strings.ToLower(string(rec.Status)),
			Output:      outputJSON(rec.Output),
			CompletedAt: rec.CompletedAt,
		}
		if rec.StageNumber == MaxStage {
			hasFinalStage = true
		}
	}

	if hasFinalStage && len(cards) > 0 {
		complete := run.Status == RunStatusCompleted
		snap.PartialOpportunities = make([]PartialOpportunity, 0, len(cards))
		for i := range cards {
			snap.PartialOpportunities = append(snap.PartialOpportunities, PartialOpportunity{
				ID:         cards[i].ID,
				Number:     cards[i].Number,
				Title:      cards[i].Title,
				Summary:    cards[i].Summary(),
				IsComplete: complete,
			})
		}
	}
	return snap
}

// RunStatus parses the snapshot status. Unknown values map to PROCESSING.
func (s *StatusSnapshot) RunStatus() RunStatus {
	if st, ok := ParseRunStatus(s.Status); ok {
		return st
	}
	return RunStatusProcessing
}

// CompletedStages counts stages whose status is completed.
func (s *StatusSnapshot) CompletedStages() int {
	n := 0
	for _, st := range s.Stages {
		if parsed, ok := ParseStageStatus(st.Status); ok && parsed == StageStatusCompleted {
			n++
		}
	}
	return n
}

// outputJSON returns stored stage output as JSON: parseable text is passed
// through and anything else becomes a JSON string.
func outputJSON(output string) json.RawMessage {
	if output == "" {
		return nil
	}
	if json.Valid([]byte(output)) {
		return json.RawMessage(output)
	}
	quoted, _ := json.Marshal(output)
	return quoted
}
