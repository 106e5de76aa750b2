package model

import (
	"encoding/json"
	"strings"
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusProcessing RunStatus = "PROCESSING"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// RunStatuses lists every run status in lifecycle order.
var RunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusProcessing,
	RunStatusCompleted,
	RunStatusFailed,
	RunStatusCancelled,
}

// ParseRunStatus normalizes a status string reported by the server or the
// worker. Matching is case-insensitive and accepts the legacy spellings
// "complete", "running" and "error".
func ParseRunStatus(s string) (RunStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED":
		return RunStatusPending, true
	case "PROCESSING", "RUNNING":
		return RunStatusProcessing, true
	case "COMPLETED", "COMPLETE":
		return RunStatusCompleted, true
	case "FAILED", "ERROR":
		return RunStatusFailed, true
	case "CANCELLED", "CANCELED":
		return RunStatusCancelled, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one execution of the five-stage analysis pipeline.
type Run struct {
	ID                 string                              `json:"id"`
	CompanyName        string                              `json:"company_name,omitempty"`
	Status             RunStatus                           `json:"status"`
	CurrentStage       int                                 `json:"current_stage"`
	StageOutputs       [DenormalizedStages]json.RawMessage `json:"stage_outputs"`
	FullReportMarkdown *string                             `json:"full_report_markdown,omitempty"`
	CompletedAt        *time.Time                          `json:"completed_at,omitempty"`
	DurationMs         *int64                              `json:"duration_ms,omitempty"`
	CreatedAt          time.Time                           `json:"created_at"`
	UpdatedAt          time.Time                           `json:"updated_at"`
}

// StageOutput returns the denormalized output for stage n (1..4), or nil when
// the stage has no denormalized field or nothing was written yet.
func (r *Run) StageOutput(n int) json.RawMessage {
	if !HasDenormalizedOutput(n) {
		return nil
	}
	return r.StageOutputs[n-1]
}

// HasFullReport reports whether a non-empty report markdown is stored.
func (r *Run) HasFullReport() bool {
	return r.FullReportMarkdown != nil && *r.FullReportMarkdown != ""
}

// Completion carries the fields written on the transition into COMPLETED.
type Completion struct {
	CompletedAt time.Time
	DurationMs  *int64
	// FullReportMarkdown is only written when non-nil; nil leaves any
	// previously stored report untouched.
	FullReportMarkdown *string
}

// OpportunityCard is one final artifact produced at stage 5.
type OpportunityCard struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	IsStarred bool      `json:"is_starred"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary returns the first 200 runes of the card content, with an ellipsis
// when truncated.
func (c *OpportunityCard) Summary() string {
	const limit = 200
	runes := []rune(c.Content)
	if len(runes) <= limit {
		return c.Content
	}
	return string(runes[:limit]) + "..."
}

// Report is the per-run report assembled from stage records on completion.
type Report struct {
	ID               string           `json:"id"`
	RunID            string           `json:"run_id"`
	SelectedTrack    string           `json:"selected_track"`
	NonSelectedTrack string           `json:"non_selected_track"`
	StageOutputs     [MaxStage]string `json:"stage_outputs"`
	CreatedAt        time.Time        `json:"created_at"`
}
