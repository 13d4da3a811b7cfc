package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"monitorflux/internal/model"
	"monitorflux/internal/system"
)

// HostSource reads CPU, load, memory, network and disk counters from
// procfs.
type HostSource struct {
	fs  system.ProcFS
	clk clock.Clock

	mu      sync.Mutex
	prevCPU system.CPUCounters
	hasPrev bool
}

func NewHostSource(procRoot string, clk clock.Clock) *HostSource {
	if clk == nil {
		clk = clock.New()
	}
	return &HostSource{fs: system.NewProcFS(procRoot), clk: clk}
}

func (h *HostSource) Name() string { return "host" }

func (h *HostSource) Collect(context.Context) ([]model.Sample, error) {
	now := h.clk.Now().UTC()
	var (
		out  []model.Sample
		errs []error
	)

	if cpu, err := h.fs.CPU(); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if usage, ok := h.cpuUsage(cpu); ok {
		out = append(out, model.Gauge("host.cpu.usage_pct", usage, nil, now))
	}

	if load, err := h.fs.LoadAvg(); err != nil {
		errs = append(errs, fmt.Errorf("loadavg: %w", err))
	} else {
		out = append(out,
			model.Gauge("host.load1", load.Load1, nil, now),
			model.Gauge("host.load5", load.Load5, nil, now),
			model.Gauge("host.load15", load.Load15, nil, now))
	}

	if mem, err := h.fs.Memory(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		out = append(out,
			model.Gauge("host.memory.total_bytes", float64(mem.TotalBytes), nil, now),
			model.Gauge("host.memory.used_bytes", float64(mem.UsedBytes), nil, now),
			model.Gauge("host.memory.available_bytes", float64(mem.AvailableBytes), nil, now))
	}

	if ifaces, err := h.fs.Net(); err != nil {
		errs = append(errs, fmt.Errorf("net: %w", err))
	} else {
		for _, n := range ifaces {
			tags := map[string]string{"interface": n.Interface}
			out = append(out,
				model.Counter("host.net.rx_bytes", float64(n.RxBytes), tags, now),
				model.Counter("host.net.tx_bytes", float64(n.TxBytes), tags, now))
		}
	}

	if disks, err := h.fs.Disk(); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else {
		for _, d := range disks {
			tags := map[string]string{"device": d.Device}
			out = append(out,
				model.Counter("host.disk.read_bytes", float64(d.ReadBytes), tags, now),
				model.Counter("host.disk.write_bytes", float64(d.WriteBytes), tags, now))
		}
	}

	return out, errors.Join(errs...)
}

// cpuUsage needs two readings; the first call only primes the baseline.
func (h *HostSource) cpuUsage(cur system.CPUCounters) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.prevCPU, h.hasPrev
	h.prevCPU, h.hasPrev = cur, true
	if !ok {
		return 0, false
	}
	return system.CPUUsage(prev, cur), true
}
