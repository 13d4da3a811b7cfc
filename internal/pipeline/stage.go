package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"monitorflux/internal/batch"
	"monitorflux/internal/compress"
	"monitorflux/internal/delivery"
	"monitorflux/internal/model"
	"monitorflux/internal/transport"
)

// runBatchStage is the single consumer of the queue. ctx ending starts
// the drain; stop ending aborts it.
func (p *Pipeline) runBatchStage(ctx, stop context.Context) error {
	tick := p.clock.Ticker(p.cfg.SchedulerTick)
	defer tick.Stop()
	for {
		select {
		case <-stop.Done():
			return nil
		case <-ctx.Done():
			return p.drainQueue(stop)
		case <-p.queue.Ready():
		case <-tick.C:
		}
		p.buildBatches(p.cfg.BatchMaxAge)
	}
}

func (p *Pipeline) drainQueue(stop context.Context) error {
	p.queue.Close()
	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(p.cfg.SchedulerTick)
	defer poll.Stop()
	for {
		blocked := p.buildBatches(0)
		left := p.queue.Len() + p.batcher.Pending()
		if !blocked && left == 0 {
			return nil
		}
		select {
		case <-stop.Done():
			p.discard(left)
			return nil
		case <-deadline.C:
			p.discard(left)
			return nil
		case <-poll.C:
		}
	}
}

func (p *Pipeline) discard(n int) {
	if n == 0 {
		return
	}
	p.discarded.Add(uint64(n))
	p.logger.Warn("samples discarded at shutdown", "count", n)
}

// buildBatches forwards ready batches until none is ready or the tracker
// is at MaxPending. It reports whether it stopped on the latter.
func (p *Pipeline) buildBatches(maxAge time.Duration) bool {
	for {
		if p.tracker.Outstanding() >= p.cfg.MaxPending {
			return true
		}
		b, ok := p.batcher.DrainBatch(p.cfg.BatchMaxItems, maxAge)
		if !ok {
			return false
		}
		p.forward(b)
	}
}

func (p *Pipeline) forward(b model.Batch) {
	raw, err := batch.Encode(b)
	if err != nil {
		p.serializationErrors.Add(1)
		p.tracker.Report(delivery.Failure{
			Kind:        delivery.FailureSerialization,
			SampleCount: b.Len(),
			Reason:      err.Error(),
		})
		return
	}
	codec, payload, err := p.compressor.Compress(raw)
	if err != nil {
		p.compressionErrors.Add(1)
		if errors.Is(err, compress.ErrCompression) {
			p.logger.Warn("compression failed, sending uncompressed", "error", err)
		}
	}

	// Checked before a sequence number is taken so drops leave no gap.
	if size := 1 + len(payload); size > transport.MaxFrameSize {
		p.serializationErrors.Add(1)
		p.tracker.Report(delivery.Failure{
			Kind:        delivery.FailureSerialization,
			SampleCount: b.Len(),
			Reason:      fmt.Sprintf("%v: payload %d bytes", transport.ErrFrameTooLarge, size),
		})
		return
	}

	env := model.Envelope{
		Seq:            p.seq.Next(),
		Codec:          codec,
		Payload:        payload,
		RawSize:        uint32(len(raw)),
		CompressedSize: uint32(len(payload)),
		CreatedAt:      p.clock.Now(),
		SampleCount:    b.Len(),
	}
	if err := p.tracker.Add(env); err != nil {
		p.logger.Error("envelope not tracked", "seq", env.Seq, "error", err)
		return
	}
	p.batches.Add(1)
	p.rawBytes.Add(uint64(len(raw)))
	p.compressedBytes.Add(uint64(len(payload)))
	p.logger.Debug("batch queued", "seq", env.Seq, "samples", env.SampleCount, "codec", env.Codec, "raw", env.RawSize, "compressed", env.CompressedSize)
}
