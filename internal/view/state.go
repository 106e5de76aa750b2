// Package view derives the single presentation state of a pipeline run.
package view

import "github.com/sells-group/runsync/internal/model"

// Kind names one of the four presentation states.
type Kind string

const (
	KindExtraction Kind = "STATE_1"
	KindInProgress Kind = "STATE_2"
	KindResults    Kind = "STATE_3"
	KindDetail     Kind = "STATE_4"
)

// State is a closed set: Extraction, InProgress, Results and Detail are the
// only implementations.
type State interface {
	Kind() Kind
	sealed()
}

// Extraction is the initial view shown before multi-stage progress exists.
type Extraction struct {
	Stage int
}

// InProgress is the multi-column view while stages 2..5 run.
type InProgress struct {
	Stage int
}

// Results is the grid of all opportunity cards for a completed run.
type Results struct{}

// Detail is a single selected card of a completed run.
type Detail struct {
	Selection string
}

func (Extraction) Kind() Kind { return KindExtraction }
func (InProgress) Kind() Kind { return KindInProgress }
func (Results) Kind() Kind    { return KindResults }
func (Detail) Kind() Kind     { return KindDetail }

func (Extraction) sealed() {}
func (InProgress) sealed() {}
func (Results) sealed()    {}
func (Detail) sealed()     {}

// Derive maps a run's stage, status and optional selection to exactly one
// state. It does not inspect stage data: a completed run with no stored
// outputs still yields Results or Detail.
func Derive(stage int, status model.RunStatus, selection *string) State {
	switch {
	case status == model.RunStatusCompleted && selection != nil:
		return Detail{Selection: *selection}
	case status == model.RunStatusCompleted:
		return Results{}
	case stage >= 2 && status == model.RunStatusProcessing:
		return InProgress{Stage: stage}
	default:
		return Extraction{Stage: stage}
	}
}

// Handlers holds one callback per state for Match.
type Handlers[T any] struct {
	Extraction func(Extraction) T
	InProgress func(InProgress) T
	Results    func(Results) T
	Detail     func(Detail) T
}

// Match dispatches s to the handler for its variant.
func Match[T any](s State, h Handlers[T]) T {
	switch v := s.(type) {
	case Extraction:
		return h.Extraction(v)
	case InProgress:
		return h.InProgress(v)
	case Results:
		return h.Results(v)
	case Detail:
		return h.Detail(v)
	default:
		panic("view: unknown state")
	}
}
