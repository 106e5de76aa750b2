package model

import (
	"strings"
	"time"
)

const (
	// MinStage and MaxStage bound the stage numbers a run can report.
	MinStage = 1
	MaxStage = 5

	// DenormalizedStages is the number of early stages whose output is also
	// kept on the run row. Stage 5 is represented by opportunity cards.
	DenormalizedStages = 4
)

var stageNames = [MaxStage]string{
	"Input Processing",
	"Signal Amplification",
	"General Translation",
	"Brand Contextualization",
	"Opportunity Generation",
}

// ValidStage reports whether n is a stage number in 1..5.
func ValidStage(n int) bool {
	return n >= MinStage && n <= MaxStage
}

// HasDenormalizedOutput reports whether stage n has a field on the run row.
func HasDenormalizedOutput(n int) bool {
	return n >= MinStage && n <= DenormalizedStages
}

// StageName returns the canonical display name of stage n.
func StageName(n int) string {
	if !ValidStage(n) {
		return ""
	}
	return stageNames[n-1]
}

// StageStatus represents the reported state of a single stage.
type StageStatus string

const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusProcessing StageStatus = "PROCESSING"
	StageStatusCompleted  StageStatus = "COMPLETED"
	StageStatusFailed     StageStatus = "FAILED"
)

// ParseStageStatus normalizes a stage status string (case-insensitive).
func ParseStageStatus(s string) (StageStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return StageStatusPending, true
	case "PROCESSING", "RUNNING":
		return StageStatusProcessing, true
	case "COMPLETED", "COMPLETE":
		return StageStatusCompleted, true
	case "FAILED", "ERROR":
		return StageStatusFailed, true
	default:
		return "", false
	}
}

// StageRecord is the log entry for one (run, stage number) pair. It is the
// source of truth for what a stage produced; the run's denormalized stage
// fields are a read cache over it.
type StageRecord struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	StageNumber int         `json:"stage_number"`
	StageName   string      `json:"stage_name"`
	Status      StageStatus `json:"status"`
	Output      string      `json:"output"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CompletedStages counts records whose status is COMPLETED.
func CompletedStages(records []StageRecord) int {
	n := 0
	for _, r := range records {
		if r.Status == StageStatusCompleted {
			n++
		}
	}
	return n
}

// HighestStage returns the largest stage number among records, or 0.
func HighestStage(records []StageRecord) int {
	highest := 0
	for _, r := range records {
		if r.StageNumber > highest {
			highest = r.StageNumber
		}
	}
	return highest
}
