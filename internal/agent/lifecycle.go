package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"monitorflux/internal/queue"
)

// run stops the sources first, ingests the final status event and only
// then lets the pipeline drain, so the shutdown event is delivered like
// any other sample. A fatal pipeline error cancels everything else.
func (a *Agent) run(ctx context.Context) error {
	var probe net.Listener
	if addr := strings.TrimSpace(a.cfg.ProbeListenAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
		}
		probe = ln
	}

	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.pipeline.Run(pipeCtx)
	})
	g.Go(func() error {
		defer stopPipeline()
		err := a.scheduler.Run(gctx)
		a.health.SetStopping()
		if ierr := a.pipeline.Ingest(a.status.Shutdown()); ierr != nil && !errors.Is(ierr, queue.ErrClosed) {
			a.logger.Warn("shutdown status not queued", "error", ierr)
		}
		return err
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	if probe != nil {
		g.Go(func() error {
			return a.runProbeListener(gctx, probe)
		})
	}
	if a.metrics != nil {
		g.Go(func() error {
			return a.metrics.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			snap := a.health.Snapshot()
			if snap.Status != "ok" {
				a.logger.Warn("agent health", "status", snap.Status, "workers_connected", snap.WorkersConnected, "outstanding", snap.Outstanding)
				continue
			}
			a.logger.Debug("agent health", "snapshot", snap)
		}
	}
}

func (a *Agent) shutdown() {
	if a.libvirt == nil {
		return
	}
	if err := a.libvirt.Close(); err != nil {
		a.logger.Warn("libvirt close failed", "error", err)
	}
}
