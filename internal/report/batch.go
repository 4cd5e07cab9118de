package report

import (
	"fmt"
	"time"
)

// ErrorKind is the stable category of a per-file failure.
type ErrorKind string

const (
	KindParseError            ErrorKind = "parse_error"
	KindUnsupportedDialect    ErrorKind = "unsupported_dialect"
	KindTimeout               ErrorKind = "timeout"
	KindRulePanic             ErrorKind = "rule_panic"
	KindRepositoryUnavailable ErrorKind = "repository_unavailable"
	KindEmitError             ErrorKind = "emit_error"
	KindSkipped               ErrorKind = "skipped"
	KindInternal              ErrorKind = "internal"
)

type FileError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}

// Entry holds exactly one of Result or Error.
type Entry struct {
	Path   string          `json:"path" yaml:"path"`
	Result *AnalysisResult `json:"result,omitempty" yaml:"result,omitempty"`
	Error  *FileError      `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed is true for entries that ran and failed. Skipped entries never ran.
func (e Entry) Failed() bool { return e.Error != nil && e.Error.Kind != KindSkipped }

func (e Entry) Skipped() bool { return e.Error != nil && e.Error.Kind == KindSkipped }

type StatusKind string

const (
	AllSucceeded   StatusKind = "AllSucceeded"
	PartialSuccess StatusKind = "PartialSuccess"
	TotalFailure   StatusKind = "TotalFailure"
)

type Status struct {
	Kind    StatusKind `json:"kind"`
	Failed  int        `json:"failed"`
	Skipped int        `json:"skipped"`
}

func (s Status) String() string {
	if s.Kind != PartialSuccess {
		return string(s.Kind)
	}
	if s.Skipped > 0 {
		return fmt.Sprintf("%s(%d, %d skipped)", s.Kind, s.Failed, s.Skipped)
	}
	return fmt.Sprintf("%s(%d)", s.Kind, s.Failed)
}

// ExitCode maps the status onto a process exit code for CI gating.
func (s Status) ExitCode() int {
	switch s.Kind {
	case AllSucceeded:
		return 0
	case PartialSuccess:
		return 1
	default:
		return 2
	}
}

// BatchReport is the outcome of one orchestrator run, one entry per input unit in input order.
type BatchReport struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Entries     []Entry   `json:"entries"`
	Aborted     bool      `json:"aborted,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`
	// PatternsDiscovered counts successful candidate upserts during the run.
	PatternsDiscovered int `json:"patterns_discovered"`
}

// Status is AllSucceeded when every entry has a result and TotalFailure when none has.
// Failed and skipped entries are counted apart.
func (b *BatchReport) Status() Status {
	s := Status{}
	for _, e := range b.Entries {
		switch {
		case e.Skipped():
			s.Skipped++
		case e.Failed():
			s.Failed++
		}
	}
	switch missing := s.Failed + s.Skipped; {
	case missing == 0:
		s.Kind = AllSucceeded
	case missing == len(b.Entries):
		s.Kind = TotalFailure
	default:
		s.Kind = PartialSuccess
	}
	return s
}

func (b *BatchReport) Results() []*AnalysisResult {
	var out []*AnalysisResult
	for _, e := range b.Entries {
		if e.Result != nil {
			out = append(out, e.Result)
		}
	}
	return out
}

// Failures are the entries that ran and failed, in input order.
func (b *BatchReport) Failures() []Entry {
	var out []Entry
	for _, e := range b.Entries {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out
}

// CountByKind tallies error entries per kind, skipped ones included.
func (b *BatchReport) CountByKind() map[ErrorKind]int {
	out := map[ErrorKind]int{}
	for _, e := range b.Entries {
		if e.Error != nil {
			out[e.Error.Kind]++
		}
	}
	return out
}
