// Package batch groups queued samples into bounded batches and encodes
// them for compression.
package batch

import (
	"time"

	"github.com/benbjohnson/clock"

	"monitorflux/internal/model"
)

// Source is the queue side of the batcher.
type Source interface {
	Drain(max int) []model.Sample
}

// Batcher accumulates samples until the item, byte or age threshold
// trips. It is owned by the single batch stage goroutine.
type Batcher struct {
	src      Source
	clock    clock.Clock
	maxBytes int

	carry        []model.Sample
	pending      []model.Sample
	pendingBytes int
	openedAt     time.Time
}

func NewBatcher(src Source, maxBytes int, clk clock.Clock) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Batcher{src: src, clock: clk, maxBytes: maxBytes}
}

// DrainBatch returns a batch once maxItems samples are accumulated, the
// byte bound would be exceeded, or maxAge has passed since the first
// sample of the current batch arrived. ok is false when no threshold has
// tripped. A maxAge of zero flushes anything pending.
func (b *Batcher) DrainBatch(maxItems int, maxAge time.Duration) (model.Batch, bool) {
	if maxItems <= 0 {
		maxItems = 1
	}
	if want := maxItems - len(b.pending) - len(b.carry); want > 0 {
		b.carry = append(b.carry, b.src.Drain(want)...)
	}

	for len(b.carry) > 0 && len(b.pending) < maxItems {
		s := b.carry[0]
		size := SampleSize(s)
		if len(b.pending) > 0 && b.maxBytes > 0 && b.pendingBytes+size > b.maxBytes {
			return b.take(), true
		}
		b.carry = b.carry[1:]
		if len(b.pending) == 0 {
			b.openedAt = b.clock.Now()
		}
		b.pending = append(b.pending, s)
		b.pendingBytes += size
	}
	if len(b.carry) == 0 {
		b.carry = nil
	}

	if len(b.pending) == 0 {
		return model.Batch{}, false
	}
	if len(b.pending) >= maxItems || b.clock.Since(b.openedAt) >= maxAge {
		return b.take(), true
	}
	return model.Batch{}, false
}

// Flush emits whatever is held regardless of age, at most maxItems per
// call. Used on shutdown.
func (b *Batcher) Flush(maxItems int) (model.Batch, bool) {
	return b.DrainBatch(maxItems, 0)
}

// Pending counts samples the batcher holds but has not emitted yet.
func (b *Batcher) Pending() int {
	return len(b.pending) + len(b.carry)
}

func (b *Batcher) take() model.Batch {
	out := model.Batch{Samples: b.pending, Bytes: b.pendingBytes, OpenedAt: b.openedAt}
	b.pending = nil
	b.pendingBytes = 0
	b.openedAt = time.Time{}
	return out
}
