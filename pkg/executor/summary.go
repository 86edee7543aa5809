package executor

import (
	"time"

	"github.com/bodhya/bodhya/pkg/errors"
)

// State is a step of the execution loop.
type State string

const (
	StateGenerate State = "generate"
	StatePersist  State = "persist"
	StateValidate State = "validate"
	StateAnalyze  State = "analyze"
	StateRefine   State = "refine"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// IterationRecord is the outcome of one persist and validate pass.
type IterationRecord struct {
	Iteration int           `json:"iteration"`
	Category  Category      `json:"category,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionSummary describes a finished run. The history is complete even
// when the run failed.
type ExecutionSummary struct {
	Success          bool              `json:"success"`
	Iterations       int               `json:"iterations"`
	History          []IterationRecord `json:"history"`
	FilesModified    []string          `json:"files_modified,omitempty"`
	CommandsExecuted []string          `json:"commands_executed,omitempty"`
	FinalContent     map[string]string `json:"final_content,omitempty"`
	FinalState       State             `json:"final_state"`
	TerminalError    errors.ErrorCode  `json:"terminal_error,omitempty"`
}

// summaryBuilder accumulates a summary. Records are only appended.
type summaryBuilder struct {
	s     ExecutionSummary
	files map[string]bool
}

func newSummaryBuilder() *summaryBuilder {
	return &summaryBuilder{files: map[string]bool{}}
}

func (b *summaryBuilder) wrote(path string) {
	if !b.files[path] {
		b.files[path] = true
		b.s.FilesModified = append(b.s.FilesModified, path)
	}
}

func (b *summaryBuilder) ran(cmd string) {
	b.s.CommandsExecuted = append(b.s.CommandsExecuted, cmd)
}

func (b *summaryBuilder) record(rec IterationRecord) {
	b.s.History = append(b.s.History, rec)
	b.s.Iterations = len(b.s.History)
}

func (b *summaryBuilder) finish(state State, plan Plan, terminal errors.ErrorCode) *ExecutionSummary {
	b.s.FinalState = state
	b.s.Success = state == StateDone
	b.s.TerminalError = terminal
	b.s.FinalContent = make(map[string]string, len(plan.Files))
	for _, f := range plan.Files {
		b.s.FinalContent[f.Path] = f.Content
	}
	out := b.s
	out.History = append([]IterationRecord(nil), b.s.History...)
	out.FilesModified = append([]string(nil), b.s.FilesModified...)
	out.CommandsExecuted = append([]string(nil), b.s.CommandsExecuted...)
	return &out
}
