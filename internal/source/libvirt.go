package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"monitorflux/internal/libvirt"
	"monitorflux/internal/model"
)

// Hypervisor is the part of libvirt.ConnManager the source reads.
type Hypervisor interface {
	Host(ctx context.Context) (libvirt.Host, error)
	Domains(ctx context.Context) ([]libvirt.Domain, error)
}

type cpuMark struct {
	ns uint64
	at time.Time
}

// LibvirtSource turns hypervisor and per-domain counters into samples.
type LibvirtSource struct {
	hv  Hypervisor
	clk clock.Clock

	mu    sync.Mutex
	cores float64
	prev  map[string]cpuMark
}

func NewLibvirtSource(hv Hypervisor, clk clock.Clock) *LibvirtSource {
	if clk == nil {
		clk = clock.New()
	}
	return &LibvirtSource{hv: hv, clk: clk, cores: 1, prev: map[string]cpuMark{}}
}

func (l *LibvirtSource) Name() string { return "libvirt" }

func (l *LibvirtSource) Collect(ctx context.Context) ([]model.Sample, error) {
	now := l.clk.Now().UTC()
	var (
		out  []model.Sample
		errs []error
	)

	host, err := l.hv.Host(ctx)
	if err != nil {
		// Without a connection the domain query fails the same way.
		return nil, fmt.Errorf("hypervisor: %w", err)
	}
	if host.CPUs > 0 {
		l.mu.Lock()
		l.cores = float64(host.CPUs)
		l.mu.Unlock()
	}
	out = append(out,
		model.Gauge("hypervisor.cpus", float64(host.CPUs), nil, now),
		model.Gauge("hypervisor.cpu_mhz", float64(host.MHz), nil, now),
		model.Gauge("hypervisor.memory.total_bytes", float64(host.MemoryTotalBytes), nil, now))
	if host.MemoryUsedBytes > 0 {
		out = append(out, model.Gauge("hypervisor.memory.used_bytes", float64(host.MemoryUsedBytes), nil, now))
	}

	domains, err := l.hv.Domains(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("domains: %w", err))
	}
	out = append(out, model.Gauge("hypervisor.domains", float64(len(domains)), nil, now))

	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		seen[d.UUID] = struct{}{}
		tags := map[string]string{"vm_uuid": d.UUID, "vm_name": d.Name}
		out = append(out,
			model.Event("vm.state", d.State, tags, now),
			model.Counter("vm.cpu.time_ns", float64(d.CPUTimeNs), tags, now),
			model.Gauge("vm.vcpus", float64(d.VCPUs), tags, now),
			model.Gauge("vm.memory.bytes", float64(d.MemoryBytes), tags, now),
			model.Gauge("vm.memory.max_bytes", float64(d.MemoryMaxBytes), tags, now),
			model.Counter("vm.disk.read_bytes", float64(d.DiskReadBytes), tags, now),
			model.Counter("vm.disk.write_bytes", float64(d.DiskWriteBytes), tags, now),
			model.Counter("vm.net.rx_bytes", float64(d.NetRxBytes), tags, now),
			model.Counter("vm.net.tx_bytes", float64(d.NetTxBytes), tags, now))
		if pct, ok := l.cpuUsage(d.UUID, d.CPUTimeNs, now); ok {
			out = append(out, model.Gauge("vm.cpu.usage_pct", pct, tags, now))
		}
	}
	if err == nil {
		l.forget(seen)
	}
	return out, errors.Join(errs...)
}

// cpuUsage converts the cumulative CPU time into a percentage of the
// host's cores since the previous reading.
func (l *LibvirtSource) cpuUsage(id string, ns uint64, at time.Time) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.prev[id]
	l.prev[id] = cpuMark{ns: ns, at: at}
	if !ok || ns < prev.ns {
		return 0, false
	}
	dt := at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, false
	}
	usage := float64(ns-prev.ns) / float64(time.Second) / dt * 100 / l.cores
	return min(max(usage, 0), 100), true
}

func (l *LibvirtSource) forget(seen map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.prev {
		if _, ok := seen[id]; !ok {
			delete(l.prev, id)
		}
	}
}
