package libvirt

import (
	"context"
	"fmt"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// Host is the hypervisor view of the node.
type Host struct {
	CPUs             int32
	MHz              int32
	MemoryTotalBytes uint64
	MemoryUsedBytes  uint64
}

// Domain holds the cumulative counters libvirt reports for one guest.
type Domain struct {
	UUID           string
	Name           string
	State          string
	CPUTimeNs      uint64
	VCPUs          uint64
	MemoryBytes    uint64
	MemoryMaxBytes uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
	NetRxBytes     uint64
	NetTxBytes     uint64
}

// Typed parameter names from virConnectGetAllDomainStats.
const (
	fieldState          = "state.state"
	fieldCPUTime        = "cpu.time"
	fieldVCPUCurrent    = "vcpu.current"
	fieldBalloonCurrent = "balloon.current"
	fieldBalloonMaximum = "balloon.maximum"
	suffixReadBytes     = ".rd.bytes"
	suffixWriteBytes    = ".wr.bytes"
	suffixRxBytes       = ".rx.bytes"
	suffixTxBytes       = ".tx.bytes"
)

const domainStatsMask = uint32(golibvirt.DomainStatsCPUTotal |
	golibvirt.DomainStatsBalloon |
	golibvirt.DomainStatsInterface |
	golibvirt.DomainStatsBlock |
	golibvirt.DomainStatsState |
	golibvirt.DomainStatsVCPU)

func (m *ConnManager) Host(ctx context.Context) (Host, error) {
	client, err := m.Client(ctx)
	if err != nil {
		return Host{}, err
	}
	_, memoryKiB, cpus, mhz, _, _, _, _, err := client.NodeGetInfo()
	if err != nil {
		m.Invalidate(err)
		return Host{}, fmt.Errorf("NodeGetInfo: %w", err)
	}
	h := Host{CPUs: cpus, MHz: mhz, MemoryTotalBytes: memoryKiB * 1024}

	stats, _, err := client.NodeGetMemoryStats(0, -1, 0)
	if err != nil {
		m.logger.Debug("libvirt memory stats unavailable", "error", err)
		return h, nil
	}
	kib := make(map[string]uint64, len(stats))
	for _, st := range stats {
		kib[strings.ToLower(st.Field)] = st.Value
	}
	if total, used, ok := memoryUsage(kib); ok {
		h.MemoryTotalBytes = total
		h.MemoryUsedBytes = used
	}
	return h, nil
}

// memoryUsage takes node memory stats in KiB and returns bytes.
func memoryUsage(kib map[string]uint64) (total, used uint64, ok bool) {
	total = kib["total"] * 1024
	if total == 0 {
		return 0, 0, false
	}
	free := (kib["free"] + kib["buffers"] + kib["cached"]) * 1024
	used = total
	if free <= total {
		used = total - free
	}
	return total, used, true
}

func (m *ConnManager) Domains(ctx context.Context) ([]Domain, error) {
	client, err := m.Client(ctx)
	if err != nil {
		return nil, err
	}
	doms, _, err := client.ConnectListAllDomains(0, 0)
	if err != nil {
		m.Invalidate(err)
		return nil, fmt.Errorf("ConnectListAllDomains: %w", err)
	}
	if len(doms) == 0 {
		return nil, nil
	}
	records, err := client.ConnectGetAllDomainStats(doms, domainStatsMask, 0)
	if err != nil {
		m.Invalidate(err)
		return nil, fmt.Errorf("ConnectGetAllDomainStats: %w", err)
	}

	out := make([]Domain, 0, len(records))
	for _, rec := range records {
		fields := make(map[string]uint64, len(rec.Params))
		for _, p := range rec.Params {
			fields[p.Field] = asUint64(p.Value.I)
		}
		out = append(out, domainFromFields(uuidToString(rec.Dom.UUID), rec.Dom.Name, fields))
	}
	return out, nil
}

func domainFromFields(id, name string, fields map[string]uint64) Domain {
	d := Domain{
		UUID:           id,
		Name:           name,
		State:          "unknown",
		CPUTimeNs:      fields[fieldCPUTime],
		VCPUs:          fields[fieldVCPUCurrent],
		MemoryBytes:    fields[fieldBalloonCurrent] * 1024,
		MemoryMaxBytes: fields[fieldBalloonMaximum] * 1024,
	}
	if st, ok := fields[fieldState]; ok {
		d.State = domainStateString(st)
	}
	if d.MemoryMaxBytes == 0 {
		d.MemoryMaxBytes = d.MemoryBytes
	}
	d.DiskReadBytes, d.DiskWriteBytes = sumBySuffix(fields, suffixReadBytes, suffixWriteBytes)
	d.NetRxBytes, d.NetTxBytes = sumBySuffix(fields, suffixRxBytes, suffixTxBytes)
	return d
}

// sumBySuffix adds up per-device counters such as block.0.rd.bytes.
func sumBySuffix(fields map[string]uint64, a, b string) (uint64, uint64) {
	var sa, sb uint64
	for k, v := range fields {
		switch {
		case strings.HasSuffix(k, a):
			sa += v
		case strings.HasSuffix(k, b):
			sb += v
		}
	}
	return sa, sb
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case int64:
		return uint64(max(t, 0))
	case int32:
		return uint64(max(t, 0))
	case int:
		return uint64(max(t, 0))
	case float64:
		return uint64(max(t, 0))
	default:
		return 0
	}
}

func uuidToString(u golibvirt.UUID) string {
	b := u[:]
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

var domainStates = [...]string{"nostate", "running", "blocked", "paused", "shutdown", "shutoff", "crashed", "pmsuspended"}

func domainStateString(v uint64) string {
	if v < uint64(len(domainStates)) {
		return domainStates[v]
	}
	return "unknown"
}
