package model

import "time"

// Batch is an ordered group of samples assembled for one envelope.
type Batch struct {
	Samples  []Sample
	Bytes    int
	OpenedAt time.Time
}

func (b Batch) Len() int {
	return len(b.Samples)
}
