package pipeline

import (
	"time"

	"monitorflux/internal/delivery"
)

type QueueStats struct {
	Len      int
	Cap      int
	Accepted uint64
	Dropped  uint64
	Rejected uint64
}

type WorkerStats struct {
	ID     int
	State  string
	ConnID uint64
}

type Stats struct {
	Queue               QueueStats
	Batches             uint64
	SerializationErrors uint64
	CompressionErrors   uint64
	RawBytes            uint64
	CompressedBytes     uint64
	Sent                uint64
	SendErrors          uint64
	Discarded           uint64
	Delivery            delivery.Stats
	Workers             []WorkerStats

	// LastAck is zero until the first acknowledgment.
	LastAck time.Time
}

// Connected counts workers with a live connection.
func (s Stats) Connected() int {
	n := 0
	for _, w := range s.Workers {
		if w.ConnID != 0 {
			n++
		}
	}
	return n
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Queue: QueueStats{
			Len:      p.queue.Len(),
			Cap:      p.queue.Cap(),
			Accepted: p.queue.Accepted(),
			Dropped:  p.queue.Dropped(),
			Rejected: p.queue.Rejected(),
		},
		Batches:             p.batches.Load(),
		SerializationErrors: p.serializationErrors.Load(),
		CompressionErrors:   p.compressionErrors.Load(),
		RawBytes:            p.rawBytes.Load(),
		CompressedBytes:     p.compressedBytes.Load(),
		Sent:                p.sent.Load(),
		SendErrors:          p.sendErrors.Load(),
		Discarded:           p.discarded.Load(),
		Delivery:            p.tracker.Stats(),
	}
	if ns := p.lastAck.Load(); ns > 0 {
		s.LastAck = time.Unix(0, ns).UTC()
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, WorkerStats{
			ID:     w.id,
			State:  w.transport.State().String(),
			ConnID: w.transport.ConnID(),
		})
	}
	return s
}
