package system

import (
	"errors"
	"fmt"
)

type MemoryInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedBytes      uint64
	SwapTotalBytes uint64
	SwapFreeBytes  uint64
}

func (p ProcFS) Memory() (MemoryInfo, error) {
	fs, err := p.proc()
	if err != nil {
		return MemoryInfo{}, err
	}
	m, err := fs.Meminfo()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("read meminfo: %w", err)
	}
	total := deref(m.MemTotalBytes)
	if total == 0 {
		return MemoryInfo{}, errors.New("MemTotal missing")
	}
	// Kernels before 3.14 have no MemAvailable.
	avail := deref(m.MemFreeBytes) + deref(m.BuffersBytes) + deref(m.CachedBytes)
	if m.MemAvailableBytes != nil {
		avail = *m.MemAvailableBytes
	}
	if avail > total {
		avail = total
	}
	return MemoryInfo{
		TotalBytes:     total,
		AvailableBytes: avail,
		UsedBytes:      total - avail,
		SwapTotalBytes: deref(m.SwapTotalBytes),
		SwapFreeBytes:  deref(m.SwapFreeBytes),
	}, nil
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
