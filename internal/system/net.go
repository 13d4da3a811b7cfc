package system

import (
	"fmt"
	"sort"
)

type NetCounters struct {
	Interface string
	RxBytes   uint64
	RxPackets uint64
	TxBytes   uint64
	TxPackets uint64
}

// Net returns per-interface counters from net/dev sorted by name,
// loopback excluded.
func (p ProcFS) Net() ([]NetCounters, error) {
	fs, err := p.proc()
	if err != nil {
		return nil, err
	}
	dev, err := fs.NetDev()
	if err != nil {
		return nil, fmt.Errorf("read net/dev: %w", err)
	}
	out := make([]NetCounters, 0, len(dev))
	for name, line := range dev {
		if name == "lo" {
			continue
		}
		out = append(out, NetCounters{
			Interface: name,
			RxBytes:   line.RxBytes,
			RxPackets: line.RxPackets,
			TxBytes:   line.TxBytes,
			TxPackets: line.TxPackets,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out, nil
}
