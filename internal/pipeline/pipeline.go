// Package pipeline wires the queue, batcher, compressor, delivery tracker
// and transport workers together and owns their goroutines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"monitorflux/internal/batch"
	"monitorflux/internal/compress"
	"monitorflux/internal/delivery"
	"monitorflux/internal/model"
	"monitorflux/internal/queue"
	"monitorflux/internal/transport"
)

const MaxWorkers = 4

type Config struct {
	QueueCapacity int
	QueuePolicy   queue.Policy

	BatchMaxItems int
	BatchMaxBytes int
	BatchMaxAge   time.Duration

	Codec            model.Codec
	CompressionLevel int
	CompressMinSize  int

	// MaxPending bounds unacknowledged envelopes. While it is reached the
	// batch stage leaves samples in the queue.
	MaxPending    int
	Workers       int
	SchedulerTick time.Duration
	DrainTimeout  time.Duration

	// Tags are added to every ingested sample unless already set.
	Tags     map[string]string
	Delivery delivery.Options
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.QueuePolicy == "" {
		c.QueuePolicy = queue.DropOldest
	}
	if c.BatchMaxItems <= 0 {
		c.BatchMaxItems = 500
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 1 << 20
	}
	if c.BatchMaxAge <= 0 {
		c.BatchMaxAge = 2 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 256
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Dialer builds the transport owned by one worker.
type Dialer func(worker int, hooks transport.Hooks) (transport.Transport, error)

type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	reporter delivery.FailureReporter

	queue      *queue.Ring
	batcher    *batch.Batcher
	seq        *batch.Sequencer
	compressor *compress.Compressor
	tracker    *delivery.Tracker
	workers    []*worker

	batches             atomic.Uint64
	serializationErrors atomic.Uint64
	compressionErrors   atomic.Uint64
	rawBytes            atomic.Uint64
	compressedBytes     atomic.Uint64
	sent                atomic.Uint64
	sendErrors          atomic.Uint64
	discarded           atomic.Uint64
	lastAck             atomic.Int64
}

func New(cfg Config, dial Dialer, logger *slog.Logger, clk clock.Clock) (*Pipeline, error) {
	cfg.setDefaults()
	if cfg.Workers > MaxWorkers {
		return nil, fmt.Errorf("workers must be 1..%d, got %d", MaxWorkers, cfg.Workers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	comp, err := compress.New(cfg.Codec, cfg.CompressionLevel, cfg.CompressMinSize)
	if err != nil {
		return nil, fmt.Errorf("compressor: %w", err)
	}

	opts := cfg.Delivery
	if opts.Clock == nil {
		opts.Clock = clk
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}

	q := queue.NewRing(cfg.QueueCapacity, cfg.QueuePolicy)
	p := &Pipeline{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		reporter:   opts.Reporter,
		queue:      q,
		batcher:    batch.NewBatcher(q, cfg.BatchMaxBytes, clk),
		seq:        &batch.Sequencer{},
		compressor: comp,
		tracker:    delivery.NewTracker(opts),
	}
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{id: i, p: p, logger: logger.With("worker", i)}
		t, err := dial(i, w.hooks())
		if err != nil {
			return nil, fmt.Errorf("transport for worker %d: %w", i, err)
		}
		w.transport = t
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Ingest stamps and enqueues one sample. It never blocks on transport
// health: a full queue applies its policy instead.
func (p *Pipeline) Ingest(s model.Sample) error {
	if s.Timestamp().IsZero() {
		s = s.WithTimestamp(p.clock.Now())
	}
	if len(p.cfg.Tags) > 0 {
		s = s.WithTags(p.cfg.Tags)
	}
	return p.queue.Enqueue(s)
}

func (p *Pipeline) Tracker() *delivery.Tracker {
	return p.tracker
}

// Run blocks until ctx is cancelled and the drain finishes, or until a
// worker hits a fatal transport error.
func (p *Pipeline) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	g, gctx := errgroup.WithContext(workCtx)

	batchDone := make(chan struct{})
	g.Go(func() error {
		defer close(batchDone)
		return p.runBatchStage(ctx, gctx)
	})
	g.Go(func() error {
		return p.runScheduler(gctx)
	})
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	g.Go(func() error {
		p.awaitDrain(ctx, gctx, batchDone)
		cancelWork()
		return nil
	})

	err := g.Wait()
	p.queue.Close()
	p.closeTransports()

	abandoned := p.tracker.AbandonInFlight()
	st := p.tracker.Stats()
	p.logger.Info("pipeline stopped",
		"abandoned_in_flight", abandoned,
		"pending", st.Pending,
		"acknowledged", st.Acks,
		"dropped", st.Dropped,
		"discarded_samples", p.discarded.Load(),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitDrain waits for shutdown, then for every record to be acknowledged
// or the drain deadline, whichever comes first.
func (p *Pipeline) awaitDrain(ctx, gctx context.Context, batchDone <-chan struct{}) {
	select {
	case <-gctx.Done():
		return
	case <-ctx.Done():
	}
	p.logger.Info("pipeline draining", "timeout", p.cfg.DrainTimeout, "outstanding", p.tracker.Outstanding(), "queued", p.queue.Len())

	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(p.cfg.SchedulerTick)
	defer poll.Stop()
	for {
		select {
		case <-gctx.Done():
			return
		case <-deadline.C:
			p.logger.Warn("drain deadline reached", "outstanding", p.tracker.Outstanding())
			return
		case <-poll.C:
			select {
			case <-batchDone:
				if p.tracker.Outstanding() == 0 {
					p.logger.Info("pipeline drained")
					return
				}
			default:
			}
		}
	}
}

func (p *Pipeline) runScheduler(ctx context.Context) error {
	t := p.clock.Ticker(p.cfg.SchedulerTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.tracker.Sweep()
		}
	}
}

func (p *Pipeline) closeTransports() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range p.workers {
		if err := w.transport.Close(ctx); err != nil {
			w.logger.Warn("transport close failed", "error", err)
		}
	}
}
