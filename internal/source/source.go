// Package source produces the samples that feed the pipeline: host
// counters from procfs, hypervisor statistics from libvirt and the agent's
// own status events.
package source

import (
	"context"
	"strings"

	"monitorflux/internal/model"
)

// Ingestor accepts samples. pipeline.Pipeline satisfies it.
type Ingestor interface {
	Ingest(model.Sample) error
}

// Source is polled by the Scheduler. Collect may return samples together
// with an error when only part of a reading failed; the samples are still
// ingested.
type Source interface {
	Name() string
	Collect(ctx context.Context) ([]model.Sample, error)
}

// JoinName prefixes name with root, dot separated, trimming duplicate
// separators at the seam.
func JoinName(root, name string) string {
	root = strings.TrimRight(root, ".")
	name = strings.TrimLeft(name, ".")
	if root == "" {
		return name
	}
	if name == "" {
		return root
	}
	return root + "." + name
}
