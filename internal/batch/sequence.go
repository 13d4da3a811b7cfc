package batch

import "sync/atomic"

// Sequencer hands out envelope sequence numbers. Numbers start at 1, grow
// by one per call and are never handed out twice in a process lifetime.
type Sequencer struct {
	last atomic.Uint64
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}
