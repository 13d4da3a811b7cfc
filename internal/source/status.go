package source

import (
	"context"

	"github.com/benbjohnson/clock"

	"monitorflux/internal/model"
)

const (
	StatusRunning  = "running"
	StatusShutdown = "shutdown"
)

// StatusSource reports the agent's own lifecycle. Scheduled, it emits
// "running" at start and on every interval; Shutdown builds the final
// event the agent ingests before draining.
type StatusSource struct {
	name string
	clk  clock.Clock
}

func NewStatusSource(root string, clk clock.Clock) *StatusSource {
	if clk == nil {
		clk = clock.New()
	}
	return &StatusSource{name: JoinName(root, "agent.status"), clk: clk}
}

func (s *StatusSource) Name() string { return "status" }

// SampleName is the full name of the status samples.
func (s *StatusSource) SampleName() string { return s.name }

func (s *StatusSource) Collect(context.Context) ([]model.Sample, error) {
	return []model.Sample{s.event(StatusRunning, "agent is operational")}, nil
}

func (s *StatusSource) Shutdown() model.Sample {
	return s.event(StatusShutdown, "agent is shutting down")
}

func (s *StatusSource) event(status, detail string) model.Sample {
	return model.Event(s.name, status, map[string]string{"detail": detail}, s.clk.Now().UTC())
}
