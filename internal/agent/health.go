package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"monitorflux/internal/delivery"
	"monitorflux/internal/pipeline"
)

// Health is the JSON body of /healthz.
type Health struct {
	Status           string     `json:"status"`
	InstanceID       string     `json:"instance_id"`
	StartedAt        time.Time  `json:"started_at"`
	WorkersConnected int        `json:"workers_connected"`
	Workers          int        `json:"workers"`
	QueueLength      int        `json:"queue_length"`
	Outstanding      int        `json:"outstanding"`
	LastAckAt        *time.Time `json:"last_ack_at,omitempty"`
	LibvirtConnected *bool      `json:"libvirt_connected,omitempty"`
	DeliveryFailures uint64     `json:"delivery_failures"`
	LastFailure      string     `json:"last_failure,omitempty"`
}

// HealthStatus derives the agent's health from live pipeline stats. It
// also receives delivery failures so the last one shows up in /healthz.
type HealthStatus struct {
	instanceID string
	startedAt  time.Time
	stats      func() pipeline.Stats
	libvirt    func() bool

	stopping atomic.Bool
	failures atomic.Uint64

	mu          sync.Mutex
	lastFailure string
}

func NewHealthStatus(instanceID string, startedAt time.Time, stats func() pipeline.Stats, libvirt func() bool) *HealthStatus {
	return &HealthStatus{instanceID: instanceID, startedAt: startedAt.UTC(), stats: stats, libvirt: libvirt}
}

func (h *HealthStatus) SetStopping() {
	h.stopping.Store(true)
}

func (h *HealthStatus) ReportFailure(f delivery.Failure) {
	h.failures.Add(1)
	h.mu.Lock()
	h.lastFailure = string(f.Kind) + ": " + f.Reason
	h.mu.Unlock()
}

func (h *HealthStatus) Snapshot() Health {
	s := h.stats()
	out := Health{
		Status:           "ok",
		InstanceID:       h.instanceID,
		StartedAt:        h.startedAt,
		WorkersConnected: s.Connected(),
		Workers:          len(s.Workers),
		QueueLength:      s.Queue.Len,
		Outstanding:      s.Delivery.Pending + s.Delivery.InFlight,
		DeliveryFailures: h.failures.Load(),
	}
	if !s.LastAck.IsZero() {
		at := s.LastAck
		out.LastAckAt = &at
	}
	if h.libvirt != nil {
		ok := h.libvirt()
		out.LibvirtConnected = &ok
	}
	h.mu.Lock()
	out.LastFailure = h.lastFailure
	h.mu.Unlock()

	switch {
	case h.stopping.Load():
		out.Status = "stopping"
	case out.WorkersConnected == 0:
		out.Status = "degraded"
	}
	return out
}

// Check implements telemetry.Checker. Only a running agent with at least
// one live connection is healthy.
func (h *HealthStatus) Check() (any, bool) {
	snap := h.Snapshot()
	return snap, snap.Status == "ok"
}
