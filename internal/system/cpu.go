package system

import "fmt"

// CPUCounters are the aggregate CPU times from stat, in seconds.
type CPUCounters struct {
	User    float64
	Nice    float64
	System  float64
	Idle    float64
	IOWait  float64
	IRQ     float64
	SoftIRQ float64
	Steal   float64
	Total   float64
}

func (p ProcFS) CPU() (CPUCounters, error) {
	fs, err := p.proc()
	if err != nil {
		return CPUCounters{}, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return CPUCounters{}, fmt.Errorf("read stat: %w", err)
	}
	c := stat.CPUTotal
	// Guest time is already included in User and Nice.
	return CPUCounters{
		User:    c.User,
		Nice:    c.Nice,
		System:  c.System,
		Idle:    c.Idle,
		IOWait:  c.Iowait,
		IRQ:     c.IRQ,
		SoftIRQ: c.SoftIRQ,
		Steal:   c.Steal,
		Total:   c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal,
	}, nil
}

// CPUUsage is the busy percentage between two readings.
func CPUUsage(prev, cur CPUCounters) float64 {
	total := cur.Total - prev.Total
	if total <= 0 {
		return 0
	}
	idle := (cur.Idle + cur.IOWait) - (prev.Idle + prev.IOWait)
	if idle < 0 {
		idle = 0
	}
	usage := (total - idle) / total * 100
	switch {
	case usage < 0:
		return 0
	case usage > 100:
		return 100
	}
	return usage
}

type LoadAvg struct {
	Load1  float64
	Load5  float64
	Load15 float64
}

func (p ProcFS) LoadAvg() (LoadAvg, error) {
	fs, err := p.proc()
	if err != nil {
		return LoadAvg{}, err
	}
	l, err := fs.LoadAvg()
	if err != nil {
		return LoadAvg{}, fmt.Errorf("read loadavg: %w", err)
	}
	return LoadAvg{Load1: l.Load1, Load5: l.Load5, Load15: l.Load15}, nil
}
