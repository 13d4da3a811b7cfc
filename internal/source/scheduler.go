package source

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"monitorflux/internal/queue"
)

type loopStats struct {
	collections atomic.Uint64
	samples     atomic.Uint64
	rejected    atomic.Uint64
	errors      atomic.Uint64
}

type entry struct {
	src      Source
	interval time.Duration
	stats    loopStats
}

// Stats is a per-source snapshot.
type Stats struct {
	Name        string
	Collections uint64
	Samples     uint64
	Rejected    uint64
	Errors      uint64
}

// Scheduler polls every registered source on its own interval and hands
// the samples to the Ingestor.
type Scheduler struct {
	logger       *slog.Logger
	ingest       Ingestor
	clk          clock.Clock
	errorBackoff time.Duration

	mu      sync.Mutex
	entries []*entry
}

func NewScheduler(logger *slog.Logger, ingest Ingestor, clk clock.Clock, errorBackoff time.Duration) *Scheduler {
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{logger: logger, ingest: ingest, clk: clk, errorBackoff: errorBackoff}
}

// Add registers src. It must be called before Run.
func (s *Scheduler) Add(src Source, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{src: src, interval: interval})
	s.mu.Unlock()
}

// Run blocks until ctx is done or the ingestor closes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			s.loop(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Stats{
			Name:        e.src.Name(),
			Collections: e.stats.collections.Load(),
			Samples:     e.stats.samples.Load(),
			Rejected:    e.stats.rejected.Load(),
			Errors:      e.stats.errors.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	logger := s.logger.With("source", e.src.Name())
	ticker := s.clk.Ticker(e.interval)
	defer ticker.Stop()

	if err := s.collect(ctx, e); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return
		}
		logger.Warn("initial collect failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.collect(ctx, e)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrClosed):
				logger.Debug("ingestor closed, source stopped")
				return
			default:
				logger.Error("collect failed", "error", err)
				s.sleepWithContext(ctx, s.errorBackoff)
			}
		}
	}
}

func (s *Scheduler) collect(ctx context.Context, e *entry) error {
	samples, collectErr := e.src.Collect(ctx)
	e.stats.collections.Add(1)
	if collectErr != nil {
		e.stats.errors.Add(1)
	}
	for _, smp := range samples {
		err := s.ingest.Ingest(smp)
		switch {
		case err == nil:
			e.stats.samples.Add(1)
		case errors.Is(err, queue.ErrQueueFull):
			e.stats.rejected.Add(1)
		default:
			return err
		}
	}
	return collectErr
}

func (s *Scheduler) sleepWithContext(ctx context.Context, d time.Duration) {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
