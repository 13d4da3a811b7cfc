package delivery

import (
	"log/slog"
	"time"
)

type FailureKind string

const (
	FailureRetriesExhausted FailureKind = "retries_exhausted"
	FailureSerialization    FailureKind = "serialization"
	FailureAuthentication   FailureKind = "authentication"
)

// Failure is what the operator-facing sink learns about data that will
// not be delivered.
type Failure struct {
	Kind        FailureKind
	Seq         uint64
	Attempts    int
	SampleCount int
	Reason      string
	At          time.Time
}

type FailureReporter interface {
	ReportFailure(f Failure)
}

type ReporterFunc func(Failure)

func (f ReporterFunc) ReportFailure(x Failure) { f(x) }

// LogReporter writes failures to the agent log.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportFailure(f Failure) {
	r.Logger.Error("delivery failure",
		"kind", f.Kind,
		"seq", f.Seq,
		"attempts", f.Attempts,
		"samples", f.SampleCount,
		"reason", f.Reason,
	)
}

// MultiReporter fans a failure out to several sinks.
type MultiReporter []FailureReporter

func (m MultiReporter) ReportFailure(f Failure) {
	for _, r := range m {
		if r != nil {
			r.ReportFailure(f)
		}
	}
}
