package ingest

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// timeLayouts are the accepted timestamp forms. Zone-less values are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// newValidator returns a validator that reports JSON field names and knows
// the isotime rule.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("isotime", func(fl validator.FieldLevel) bool {
		_, ok := parseTime(fl.Field().String())
		return ok
	})
	return v
}

// Opportunity is one entry of the completion payload. The worker has sent
// content under three different names over time.
type Opportunity struct {
	Number      int    `json:"number,omitempty"`
	Title       string `json:"title"`
	FullContent string `json:"fullContent,omitempty"`
	Markdown    string `json:"markdown,omitempty"`
	Content     string `json:"content,omitempty"`
}

var contentAliases = []func(Opportunity) string{
	func(o Opportunity) string { return o.FullContent },
	func(o Opportunity) string { return o.Markdown },
	func(o Opportunity) string { return o.Content },
}

// RawContent returns the first non-empty content alias.
func (o Opportunity) RawContent() string {
	for _, get := range contentAliases {
		if c := get(o); strings.TrimSpace(c) != "" {
			return c
		}
	}
	return ""
}

// CompletionPayload is the body of the completion webhook.
type CompletionPayload struct {
	CompletedAt        string        `json:"completedAt,omitempty" validate:"omitempty,isotime"`
	Duration           *float64      `json:"duration,omitempty" validate:"omitempty,min=0"`
	Opportunities      []Opportunity `json:"opportunities" validate:"required"`
	FullReportMarkdown *string       `json:"fullReportMarkdown,omitempty"`
}

// DurationMs returns the duration rounded to whole milliseconds.
func (p *CompletionPayload) DurationMs() *int64 {
	if p.Duration == nil {
		return nil
	}
	ms := int64(math.Round(*p.Duration))
	return &ms
}

// StageUpdatePayload is the body of a per-stage progress report.
type StageUpdatePayload struct {
	StageNumber int             `json:"stageNumber" validate:"required,min=1,max=5"`
	StageName   string          `json:"stageName,omitempty" validate:"omitempty,max=200"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=PROCESSING COMPLETED FAILED"`
	Output      json.RawMessage `json:"output,omitempty"`
	CompletedAt string          `json:"completedAt,omitempty" validate:"omitempty,isotime"`
}

// OutputText returns the stage output as the raw string the worker meant.
// A JSON string is unquoted; any other JSON value is kept as its text.
func (p *StageUpdatePayload) OutputText() string {
	raw := strings.TrimSpace(string(p.Output))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Output, &s); err == nil {
		return s
	}
	return raw
}
