package system

import (
	"fmt"
	"strings"
)

const sectorSize = 512

type DiskCounters struct {
	Device     string
	ReadBytes  uint64
	WriteBytes uint64
}

// Disk returns per-device counters from diskstats for physical and
// device-mapper block devices.
func (p ProcFS) Disk() ([]DiskCounters, error) {
	fs, err := p.block()
	if err != nil {
		return nil, err
	}
	stats, err := fs.ProcDiskstats()
	if err != nil {
		return nil, fmt.Errorf("read diskstats: %w", err)
	}
	var out []DiskCounters
	for _, d := range stats {
		if !isBlockDevice(d.DeviceName) {
			continue
		}
		out = append(out, DiskCounters{
			Device:     d.DeviceName,
			ReadBytes:  d.ReadSectors * sectorSize,
			WriteBytes: d.WriteSectors * sectorSize,
		})
	}
	return out, nil
}

func isBlockDevice(name string) bool {
	for _, skip := range []string{"loop", "ram", "fd", "zram"} {
		if strings.HasPrefix(name, skip) {
			return false
		}
	}
	for _, keep := range []string{"dm-", "nvme", "sd", "vd", "xvd", "mmcblk", "md"} {
		if strings.HasPrefix(name, keep) {
			return true
		}
	}
	return false
}
